package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const digestPrefix = "sha256:"

// LocalStore implements Store using the local filesystem.
//
// Storage layout:
//
//	basePath/
//	  objects/
//	    ab/cd123...  (content-addressed, zstd-compressed objects)
//	  refs/
//	    <name>  (plain text: "sha256:abc123...")
//
// Object mtimes double as LRU recency: Get touches the file, Evict walks
// objects oldest-first.
type LocalStore struct {
	basePath string

	cache   *Cache
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.Mutex
	readers map[string]int
}

// NewLocalStore opens (or creates) a store rooted at basePath. cacheSize
// is the number of decompressed objects kept in memory.
func NewLocalStore(basePath string, cacheSize int) (*LocalStore, error) {
	for _, dir := range []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "refs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	cache, err := NewCache(cacheSize)
	if err != nil {
		return nil, err
	}

	return &LocalStore{
		basePath: basePath,
		cache:    cache,
		encoder:  encoder,
		decoder:  decoder,
		readers:  make(map[string]int),
	}, nil
}

// Get retrieves an object and verifies its digest.
func (s *LocalStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if data, ok := s.cache.Get(digest); ok {
		return data, nil
	}

	s.acquireReader(digest)
	defer s.releaseReader(digest)

	path := s.objectPath(digest)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("read object %s: %w", digest, err)
	}

	data, err := s.decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, digest, err)
	}

	if computeDigest(data) != digest {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, digest)
	}

	// Touch for LRU recency. Failure only degrades eviction ordering.
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	s.cache.Add(digest, data)
	return data, nil
}

// Put stores an object and returns its digest. The write is atomic: the
// object lands under a temporary name and is renamed in only after sync.
func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	digest := computeDigest(data)

	path := s.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return digest, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(s.compress(data)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}

	s.cache.Add(digest, data)
	return digest, nil
}

// Has checks if an object exists.
func (s *LocalStore) Has(ctx context.Context, digest string) bool {
	if s.cache.Contains(digest) {
		return true
	}
	_, err := os.Stat(s.objectPath(digest))
	return err == nil
}

// GetRef retrieves a reference.
func (s *LocalStore) GetRef(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: ref %s", ErrNotFound, name)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// PutRef stores a reference.
func (s *LocalStore) PutRef(name, digest string) error {
	path := s.refPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create ref directory: %w", err)
	}
	return os.WriteFile(path, []byte(digest+"\n"), 0644)
}

// Size returns the total on-disk size of stored objects.
func (s *LocalStore) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(s.basePath, "objects"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

type objectInfo struct {
	digest  string
	path    string
	size    int64
	modTime time.Time
}

// Evict removes least-recently-used objects until the store fits within
// limit bytes. Objects with active readers are never removed.
func (s *LocalStore) Evict(ctx context.Context, limit int64) (int64, error) {
	var objects []objectInfo
	var total int64

	objectsDir := filepath.Join(s.basePath, "objects")
	err := filepath.WalkDir(objectsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(objectsDir, path)
		digest := digestPrefix + strings.ReplaceAll(rel, string(filepath.Separator), "")
		objects = append(objects, objectInfo{
			digest:  digest,
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan objects: %w", err)
	}

	if total <= limit {
		return 0, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].modTime.Before(objects[j].modTime)
	})

	var freed int64
	for _, obj := range objects {
		if total-freed <= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		if s.activeReaders(obj.digest) > 0 {
			continue
		}
		if err := os.Remove(obj.path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return freed, fmt.Errorf("evict %s: %w", obj.digest, err)
		}
		s.cache.Remove(obj.digest)
		freed += obj.size
	}

	return freed, nil
}

// Close releases compressor resources.
func (s *LocalStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	s.cache.Purge()
	return nil
}

func (s *LocalStore) acquireReader(digest string) {
	s.mu.Lock()
	s.readers[digest]++
	s.mu.Unlock()
}

func (s *LocalStore) releaseReader(digest string) {
	s.mu.Lock()
	if s.readers[digest]--; s.readers[digest] <= 0 {
		delete(s.readers, digest)
	}
	s.mu.Unlock()
}

func (s *LocalStore) activeReaders(digest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers[digest]
}

const zstdMagicLen = 4

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// compress returns the zstd frame for data, or the raw bytes when
// compression does not pay off. Raw bytes starting with the zstd magic
// are force-compressed so decompress can tell the two apart.
func (s *LocalStore) compress(data []byte) []byte {
	forced := len(data) >= zstdMagicLen && string(data[:zstdMagicLen]) == string(zstdMagic)
	if len(data) < 128 && !forced {
		return data
	}
	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) && !forced {
		return data
	}
	return compressed
}

func (s *LocalStore) decompress(raw []byte) ([]byte, error) {
	if len(raw) < zstdMagicLen || string(raw[:zstdMagicLen]) != string(zstdMagic) {
		return raw, nil
	}
	return s.decoder.DecodeAll(raw, nil)
}

// objectPath returns the filesystem path for an object digest.
// Git-style sharding: objects/ab/cd123...
func (s *LocalStore) objectPath(digest string) string {
	hash := strings.TrimPrefix(digest, digestPrefix)
	if len(hash) < 2 {
		return filepath.Join(s.basePath, "objects", hash)
	}
	return filepath.Join(s.basePath, "objects", hash[:2], hash[2:])
}

// refPath returns the filesystem path for a reference. Names are
// sanitized so arbitrary origin keys are safe as filenames.
func (s *LocalStore) refPath(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, ":", "_")
	return filepath.Join(s.basePath, "refs", name)
}

func computeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(h[:])
}
