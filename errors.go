package patchup

import (
	"errors"
	"fmt"
	"strings"

	"github.com/patchup/patchup/internal/store"
)

var (
	// ErrNotFound reports a digest with no stored object.
	ErrNotFound = store.ErrNotFound

	// ErrCorrupt reports stored bytes that no longer hash to their digest.
	ErrCorrupt = store.ErrCorrupt

	// ErrAmbiguousRef reports a vcs ref that does not resolve to exactly
	// one commit.
	ErrAmbiguousRef = errors.New("patchup: ambiguous ref")

	// ErrEmptyTree reports an origin that resolved to zero files.
	ErrEmptyTree = errors.New("patchup: origin resolved to empty tree")

	// ErrNoRemote reports a remote operation without a configured registry.
	ErrNoRemote = errors.New("patchup: no remote configured")
)

// OriginError wraps a failure to resolve an origin.
type OriginError struct {
	Origin Origin
	Err    error
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Origin, e.Err)
}

func (e *OriginError) Unwrap() error { return e.Err }

// DirtyTargetError reports a build target holding unrelated content.
type DirtyTargetError struct {
	Dir string
}

func (e *DirtyTargetError) Error() string {
	return fmt.Sprintf("target directory %s is not empty and not a workspace (use force to overwrite)", e.Dir)
}

// UnknownBaseError reports a workspace whose recorded pristine snapshot
// is no longer in the content store.
type UnknownBaseError struct {
	Dir      string
	Pristine Digest
}

func (e *UnknownBaseError) Error() string {
	return fmt.Sprintf("workspace %s: base snapshot %s not in store (re-resolve the origin first)", e.Dir, e.Pristine.Short())
}

// Conflict is one path-level patch application failure.
type Conflict struct {
	Path   string
	Reason string
}

func (c Conflict) String() string {
	return c.Path + ": " + c.Reason
}

// ConflictError reports every conflicting path of a patch application in
// one pass, so the user can resolve them together.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apply: %d conflict(s)", len(e.Conflicts))
	for _, c := range e.Conflicts {
		b.WriteString("\n  ")
		b.WriteString(c.String())
	}
	return b.String()
}
