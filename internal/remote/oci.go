package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc/pool"
)

const (
	labelRoot     = "dev.patchup.root"
	labelPrefixes = "dev.patchup.prefixes"

	// DefaultConcurrency bounds parallel layer transfers.
	DefaultConcurrency = 4
)

// Registry implements Remote against an OCI registry image ref.
type Registry struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
}

// NewRegistry creates a registry remote from a standard image ref
// (e.g., "ghcr.io/org/project-cache:main").
func NewRegistry(imageRef string, auth Authenticator) (*Registry, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	if auth == nil {
		auth = NewKeychainAuthenticator()
	}
	return &Registry{ref: ref, auth: auth, concurrency: DefaultConcurrency}, nil
}

// SetConcurrency sets the number of parallel layer transfers.
func (r *Registry) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *Registry) String() string   { return r.ref.String() }
func (r *Registry) Registry() string { return r.ref.Context().RegistryStr() }

// objectLayer implements v1.Layer with zstd compression for transfer.
type objectLayer struct {
	compressed   []byte
	uncompressed []byte
}

var layerEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newObjectLayer(data []byte) *objectLayer {
	return &objectLayer{
		compressed:   layerEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *objectLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *objectLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *objectLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *objectLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *objectLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *objectLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads objects, skipping prefixes whose hash matches the local
// prefix state, and returns the new state.
func (r *Registry) Push(ctx context.Context, root string, objects map[string][]byte, local map[string]PrefixInfo) (map[string]PrefixInfo, error) {
	byPrefix := groupByPrefix(objects)

	currentHashes := make(map[string]string)
	for prefix, blobs := range byPrefix {
		currentHashes[prefix] = prefixHash(blobs)
	}

	changed := make(map[string]map[string][]byte)
	for prefix, hash := range currentHashes {
		if info, ok := local[prefix]; !ok || info.Hash != hash {
			changed[prefix] = byPrefix[prefix]
		}
	}

	fmt.Fprintf(os.Stderr, "[push] %d objects, %d of %d prefixes changed\n",
		len(objects), len(changed), len(byPrefix))

	// Carry forward layer refs for unchanged prefixes that still exist.
	next := make(map[string]PrefixInfo)
	for prefix, info := range local {
		if _, ok := currentHashes[prefix]; ok {
			next[prefix] = info
		}
	}

	if len(changed) == 0 {
		return next, r.pushImage(ctx, nil, root, next)
	}

	plan := planLayers(changed)
	layers := make([]v1.Layer, 0, len(plan))
	for _, group := range plan {
		blobs := make(map[string][]byte)
		for _, prefix := range group {
			for digest, data := range changed[prefix] {
				blobs[digest] = data
			}
		}

		layer := newObjectLayer(packLayer(blobs))
		digest, err := layer.Digest()
		if err != nil {
			return nil, fmt.Errorf("layer digest: %w", err)
		}
		layers = append(layers, layer)

		for _, prefix := range group {
			next[prefix] = PrefixInfo{Hash: currentHashes[prefix], Layer: digest.String()}
		}
	}

	fmt.Fprintf(os.Stderr, "[push] uploading %d layers\n", len(layers))
	if err := r.pushImage(ctx, layers, root, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Pull downloads the objects of prefixes whose remote hash differs from
// the local prefix state.
func (r *Registry) Pull(ctx context.Context, local map[string]PrefixInfo) (string, map[string][]byte, map[string]PrefixInfo, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions()...)
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return "", nil, nil, fmt.Errorf("get config: %w", err)
	}

	root := cfg.Config.Labels[labelRoot]
	if root == "" {
		return "", nil, nil, fmt.Errorf("image %s: missing %s label", r.ref, labelRoot)
	}

	var remotePrefixes map[string]PrefixInfo
	if prefixJSON := cfg.Config.Labels[labelPrefixes]; prefixJSON != "" {
		if err := json.Unmarshal([]byte(prefixJSON), &remotePrefixes); err != nil {
			return "", nil, nil, fmt.Errorf("parse prefix state: %w", err)
		}
	}

	needed := make(map[string]bool)
	for prefix, info := range remotePrefixes {
		if localInfo, ok := local[prefix]; !ok || localInfo.Hash != info.Hash {
			needed[info.Layer] = true
		}
	}

	layers, err := img.Layers()
	if err != nil {
		return "", nil, nil, fmt.Errorf("get layers: %w", err)
	}

	var wanted []v1.Layer
	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			continue
		}
		if needed[digest.String()] {
			wanted = append(wanted, layer)
		}
	}

	fmt.Fprintf(os.Stderr, "[pull] downloading %d layers\n", len(wanted))

	var mu sync.Mutex
	objects := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range wanted {
		layer := layer // per-iteration copy; required while go.mod targets go < 1.22
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("open layer: %w", err)
			}
			data, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil {
				return fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			blobs, err := unpackLayer(data)
			if err != nil {
				return fmt.Errorf("unpack layer: %w", err)
			}

			mu.Lock()
			for k, v := range blobs {
				objects[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return "", nil, nil, err
	}

	fmt.Fprintf(os.Stderr, "[pull] done, %d objects received\n", len(objects))
	return root, objects, remotePrefixes, nil
}

func (r *Registry) pushImage(ctx context.Context, layers []v1.Layer, root string, prefixes map[string]PrefixInfo) error {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		img, err = mutate.AppendLayers(img, layers...)
		if err != nil {
			return fmt.Errorf("append layers: %w", err)
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("image config: %w", err)
	}

	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return fmt.Errorf("marshal prefix state: %w", err)
	}
	cfg.Config.Labels = map[string]string{
		labelRoot:     root,
		labelPrefixes: string(prefixJSON),
	}

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return fmt.Errorf("set image config: %w", err)
	}

	options := append(r.remoteOptions(), remote.WithJobs(r.concurrency))
	_, err = retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	return err
}

func (r *Registry) remoteOptions() []remote.Option {
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return []remote.Option{remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			})}
		}
	}
	return []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)}
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
