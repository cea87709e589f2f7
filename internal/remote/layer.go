package remote

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	layerMinSize = 2 * 1024 * 1024  // combine below this
	layerSoftMax = 10 * 1024 * 1024 // split above this
	digestLen    = 71               // "sha256:" (7) + hex (64)
)

// PrefixInfo records the content hash of one digest prefix and the layer
// it was last uploaded in.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// groupByPrefix buckets objects by the first two hex characters of their
// digest, the same sharding the local store uses on disk.
func groupByPrefix(objects map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for digest, data := range objects {
		prefix := digestShard(digest)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][digest] = data
	}
	return result
}

func digestShard(digest string) string {
	if rest, ok := strings.CutPrefix(digest, "sha256:"); ok && len(rest) >= 2 {
		return rest[:2]
	}
	if len(digest) >= 2 {
		return digest[:2]
	}
	return "00"
}

// prefixHash fingerprints a prefix bucket: sorted digests plus sizes.
// Equal buckets hash equal regardless of map iteration order.
func prefixHash(blobs map[string][]byte) string {
	if len(blobs) == 0 {
		return ""
	}
	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	h := sha256.New()
	for _, d := range digests {
		h.Write([]byte(d))
		binary.Write(h, binary.BigEndian, int64(len(blobs[d])))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// planLayers groups prefixes into layer-sized batches, smallest layers
// merged together, ordered by prefix for determinism.
func planLayers(byPrefix map[string]map[string][]byte) [][]string {
	prefixes := make([]string, 0, len(byPrefix))
	for p := range byPrefix {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	sizeOf := func(prefix string) int64 {
		var total int64
		for _, data := range byPrefix[prefix] {
			total += int64(len(data))
		}
		return total
	}

	var layers [][]string
	var current []string
	var size int64
	for _, prefix := range prefixes {
		prefixSize := sizeOf(prefix)
		switch {
		case len(current) == 0:
			current = []string{prefix}
			size = prefixSize
		case size+prefixSize <= layerSoftMax,
			size < layerMinSize && size+prefixSize <= 2*layerSoftMax:
			current = append(current, prefix)
			size += prefixSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}
	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

// packLayer serializes blobs into the layer wire format:
// [digest 71B, NUL-padded][length 8B big-endian][data]...
func packLayer(blobs map[string][]byte) []byte {
	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	var buf bytes.Buffer
	digestBuf := make([]byte, digestLen)
	lenBuf := make([]byte, 8)
	for _, digest := range digests {
		data := blobs[digest]

		copy(digestBuf, digest)
		for i := len(digest); i < digestLen; i++ {
			digestBuf[i] = 0
		}
		buf.Write(digestBuf)

		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
		buf.Write(lenBuf)
		buf.Write(data)
	}
	return buf.Bytes()
}

// unpackLayer inverts packLayer.
func unpackLayer(data []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	buf := bytes.NewReader(data)
	digestBuf := make([]byte, digestLen)

	for buf.Len() > 0 {
		if _, err := io.ReadFull(buf, digestBuf); err != nil {
			return nil, fmt.Errorf("read digest: %w", err)
		}
		digest := strings.TrimRight(string(digestBuf), "\x00")

		var length uint64
		if err := binary.Read(buf, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read length: %w", err)
		}
		if length > uint64(buf.Len()) {
			return nil, fmt.Errorf("read data for %s: %w", digest, io.ErrUnexpectedEOF)
		}

		blobData := make([]byte, length)
		if _, err := io.ReadFull(buf, blobData); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		result[digest] = blobData
	}
	return result, nil
}
