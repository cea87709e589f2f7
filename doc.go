// Package patchup maintains modifications to third-party source trees
// without redistributing them: upstream is fetched once into a
// content-addressed cache, edited in a workspace, and the edits are
// distilled into a portable patch set that rebuilds the workspace from
// any fresh copy of upstream.
//
// The engine round-trips exactly: Apply(base, Diff(base, target)) equals
// target for any pair of trees, repeated extraction without edits yields
// byte-identical patch sets, and repeated builds yield byte-identical
// workspaces.
//
// Basic usage:
//
//	project, _ := patchup.Open(".", patchup.WithCacheDir(dir))
//	defer project.Close()
//
//	// pristine + patches → editable workspace
//	_ = project.Build(ctx, false)
//
//	// edited workspace → updated patch set
//	_ = project.Extract(ctx)
//
// The pieces compose independently as well: NewResolver caches pristine
// snapshots, Diff/Apply operate on in-memory trees, EncodePatchSet and
// DecodePatchSet persist patch sets as human-diffable text plus literal
// binary content.
package patchup
