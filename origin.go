package patchup

import (
	"fmt"
)

// OriginKind identifies how an upstream source is obtained. The set is
// closed; every consumer switches over all three kinds.
type OriginKind string

const (
	// OriginArchive downloads an archive (zip or tar.gz) from a URL.
	OriginArchive OriginKind = "archive-url"
	// OriginVCS checks out a ref from a version-control repository.
	OriginVCS OriginKind = "vcs-ref"
	// OriginLocal reads a directory on the local filesystem.
	OriginLocal OriginKind = "local-path"
)

// Origin is the declarative identity of an upstream source. Two origins
// with equal kind, location, and ref name the same logical source across
// runs, which is what makes re-resolution a cache hit.
type Origin struct {
	Kind     OriginKind
	Location string
	Ref      string
}

func (o Origin) String() string {
	if o.Ref == "" {
		return fmt.Sprintf("%s %s", o.Kind, o.Location)
	}
	return fmt.Sprintf("%s %s@%s", o.Kind, o.Location, o.Ref)
}

// CacheKey returns the identity under which this origin's snapshot ref is
// recorded. It derives from the resolved identity, not byte content, so a
// re-fetch of the same logical version is a cache hit even when archive
// bytes incidentally differ.
func (o Origin) CacheKey() string {
	return string(o.Kind) + "|" + o.Location + "|" + o.Ref
}

func (o Origin) validate() error {
	switch o.Kind {
	case OriginArchive, OriginVCS, OriginLocal:
	default:
		return fmt.Errorf("unknown origin kind %q", o.Kind)
	}
	if o.Location == "" {
		return fmt.Errorf("origin %s: location is required", o.Kind)
	}
	return nil
}
