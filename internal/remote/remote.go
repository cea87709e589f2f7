// Package remote shares content-store objects through an OCI registry.
//
// Objects are packed into zstd-compressed image layers grouped by digest
// prefix; the root digest and per-prefix hashes ride in the image config
// labels so push and pull can skip unchanged prefixes.
package remote

import "context"

// Remote is the registry-facing contract.
type Remote interface {
	// Push uploads objects, reusing layers whose prefix hash is
	// unchanged, and returns the updated prefix state.
	Push(ctx context.Context, root string, objects map[string][]byte, local map[string]PrefixInfo) (map[string]PrefixInfo, error)

	// Pull downloads the objects of changed prefixes and returns the
	// remote root digest plus the updated prefix state.
	Pull(ctx context.Context, local map[string]PrefixInfo) (root string, objects map[string][]byte, prefixes map[string]PrefixInfo, err error)
}
