package patchup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/patchup/patchup/internal/store"
)

// Persisted patch set layout:
//
//	<dir>/patchset.txt       deterministic, human-diffable entry index
//	<dir>/patches/<path>.patch  text patch per modified text file
//	<dir>/files/<path>       literal new content (adds, binary modifies)
//
// Renamed files need no stored content: the blob is the one already at
// the source path in the base tree. Encoding an equal PatchSet value is
// byte-for-byte identical.

const (
	indexName      = "patchset.txt"
	indexMagic     = "patchup patchset v1"
	patchesSubdir  = "patches"
	filesSubdir    = "files"
	patchExtension = ".patch"
)

const (
	formText   = "text"
	formBinary = "binary"
)

// newDMP returns a diff-match-patch instance configured for reproducible
// output. The default diff timeout trades accuracy for speed under time
// pressure, which would make re-extraction nondeterministic.
func newDMP() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}

// isText reports whether a blob is treated as text for patching. Follows
// the git heuristic (no NUL byte within the leading window) and
// additionally requires valid UTF-8: diffmatchpatch operates on runes,
// so non-UTF8 content does not survive a patch round trip.
func isText(data []byte) bool {
	window := data
	if len(window) > 8000 {
		window = window[:8000]
	}
	if bytes.ContainsRune(window, 0) {
		return false
	}
	return utf8.Valid(data)
}

// makeTextPatch serializes a text patch and confirms that parsing and
// applying it reproduces the new content byte for byte. Content that
// fails the round trip must ship as a whole file instead.
func makeTextPatch(dmp *diffmatchpatch.DiffMatchPatch, oldData, newData []byte) (string, bool) {
	text := dmp.PatchToText(dmp.PatchMake(string(oldData), string(newData)))
	patches, err := dmp.PatchFromText(text)
	if err != nil {
		return "", false
	}
	rebuilt, applied := dmp.PatchApply(patches, string(oldData))
	for _, ok := range applied {
		if !ok {
			return "", false
		}
	}
	if rebuilt != string(newData) {
		return "", false
	}
	return text, true
}

// encodeIndex renders the canonical index for the patch set value. The
// persisted index adds a storage-form column for modifies; this canonical
// form is what PatchSet.Digest covers.
func (ps *PatchSet) encodeIndex() []byte {
	var b bytes.Buffer
	b.WriteString(indexMagic + "\n")
	b.WriteString("base\t" + string(ps.Base) + "\n")
	for _, e := range ps.Entries {
		switch e.Op {
		case OpAdd:
			fmt.Fprintf(&b, "add\t%s\t%s\t%s\n", e.Path, e.Kind, e.Digest)
		case OpRemove:
			fmt.Fprintf(&b, "remove\t%s\n", e.Path)
		case OpModify:
			fmt.Fprintf(&b, "modify\t%s\t%s\t%s\t%s\n", e.Path, e.Kind, e.OldDigest, e.Digest)
		case OpRename:
			fmt.Fprintf(&b, "rename\t%s\t%s\t%s\t%s\n", e.OldPath, e.Path, e.Kind, e.Digest)
		}
	}
	return b.Bytes()
}

// EncodePatchSet writes the patch set to dir in the persisted layout,
// replacing any previous content. Blob content for adds and modifies is
// read from st. Paths matching an overwrite pattern are always stored as
// whole files, never as text patches.
func EncodePatchSet(ctx context.Context, st store.Store, ps *PatchSet, dir string, overwrite []string) error {
	for _, e := range ps.Entries {
		for _, p := range []string{e.Path, e.OldPath} {
			if p == "" {
				continue
			}
			if strings.ContainsAny(p, "\t\n\r") {
				return fmt.Errorf("encode patch set: path %q contains control characters", p)
			}
			if err := validatePath(p); err != nil {
				return fmt.Errorf("encode patch set: %w", err)
			}
		}
	}

	// Replace the managed layout wholesale; a patch set is superseded,
	// never edited in place.
	for _, sub := range []string{indexName, patchesSubdir, filesSubdir} {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return fmt.Errorf("clear patch dir: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create patch dir: %w", err)
	}

	var index bytes.Buffer
	index.WriteString(indexMagic + "\n")
	index.WriteString("base\t" + string(ps.Base) + "\n")

	dmp := newDMP()
	for _, e := range ps.Entries {
		switch e.Op {
		case OpAdd:
			fmt.Fprintf(&index, "add\t%s\t%s\t%s\n", e.Path, e.Kind, e.Digest)
			data, err := st.Get(ctx, string(e.Digest))
			if err != nil {
				return fmt.Errorf("encode add %s: %w", e.Path, err)
			}
			if err := writePatchFile(filepath.Join(dir, filesSubdir, filepath.FromSlash(e.Path)), data); err != nil {
				return err
			}

		case OpRemove:
			fmt.Fprintf(&index, "remove\t%s\n", e.Path)

		case OpModify:
			oldData, err := st.Get(ctx, string(e.OldDigest))
			if err != nil {
				return fmt.Errorf("encode modify %s: %w", e.Path, err)
			}
			newData, err := st.Get(ctx, string(e.Digest))
			if err != nil {
				return fmt.Errorf("encode modify %s: %w", e.Path, err)
			}

			form := formBinary
			var patchText string
			if e.Kind != KindSymlink && !matchAny(overwrite, e.Path) && isText(oldData) && isText(newData) {
				if text, ok := makeTextPatch(dmp, oldData, newData); ok {
					form = formText
					patchText = text
				}
			}
			fmt.Fprintf(&index, "modify\t%s\t%s\t%s\t%s\t%s\n", e.Path, e.Kind, e.OldDigest, e.Digest, form)

			if form == formText {
				target := filepath.Join(dir, patchesSubdir, filepath.FromSlash(e.Path)+patchExtension)
				if err := writePatchFile(target, []byte(patchText)); err != nil {
					return err
				}
			} else {
				if err := writePatchFile(filepath.Join(dir, filesSubdir, filepath.FromSlash(e.Path)), newData); err != nil {
					return err
				}
			}

		case OpRename:
			fmt.Fprintf(&index, "rename\t%s\t%s\t%s\t%s\n", e.OldPath, e.Path, e.Kind, e.Digest)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, indexName), index.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", indexName, err)
	}
	return nil
}

// DecodePatchSet reads a persisted patch set from dir. Literal blob
// content is registered in st and verified against the recorded digests;
// text patches are carried on the entries for later reconstruction.
func DecodePatchSet(ctx context.Context, st store.Store, dir string) (*PatchSet, error) {
	raw, err := os.ReadFile(filepath.Join(dir, indexName))
	if err != nil {
		return nil, fmt.Errorf("read patch set index: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) < 2 || lines[0] != indexMagic {
		return nil, fmt.Errorf("patch set index %s: bad header", dir)
	}
	baseFields := strings.Split(lines[1], "\t")
	if len(baseFields) != 2 || baseFields[0] != "base" {
		return nil, fmt.Errorf("patch set index %s: missing base line", dir)
	}

	ps := &PatchSet{Base: Digest(baseFields[1])}
	for n, line := range lines[2:] {
		fields := strings.Split(line, "\t")
		entry, err := parseIndexEntry(fields)
		if err != nil {
			return nil, fmt.Errorf("patch set index %s line %d: %w", dir, n+3, err)
		}

		switch {
		case entry.Op == OpAdd,
			entry.Op == OpModify && entry.TextPatch == "":
			data, err := os.ReadFile(filepath.Join(dir, filesSubdir, filepath.FromSlash(entry.Path)))
			if err != nil {
				return nil, fmt.Errorf("patch set %s: read content for %s: %w", dir, entry.Path, err)
			}
			digest, err := st.Put(ctx, data)
			if err != nil {
				return nil, fmt.Errorf("patch set %s: store content for %s: %w", dir, entry.Path, err)
			}
			if Digest(digest) != entry.Digest {
				return nil, fmt.Errorf("patch set %s: content for %s hashes to %s, index records %s",
					dir, entry.Path, Digest(digest).Short(), entry.Digest.Short())
			}

		case entry.Op == OpModify:
			text, err := os.ReadFile(filepath.Join(dir, patchesSubdir, filepath.FromSlash(entry.Path)+patchExtension))
			if err != nil {
				return nil, fmt.Errorf("patch set %s: read patch for %s: %w", dir, entry.Path, err)
			}
			entry.TextPatch = string(text)
		}

		ps.Entries = append(ps.Entries, entry)
	}

	ps.sortEntries()
	return ps, nil
}

// parseIndexEntry decodes one index line. A modify's trailing form column
// selects where its content lives; text form is flagged with a
// placeholder TextPatch replaced by the caller.
func parseIndexEntry(fields []string) (PatchEntry, error) {
	var e PatchEntry
	if len(fields) == 0 {
		return e, fmt.Errorf("empty entry")
	}

	switch fields[0] {
	case "add":
		if len(fields) != 4 {
			return e, fmt.Errorf("add: expected 4 fields, got %d", len(fields))
		}
		kind, err := parseFileKind(fields[2])
		if err != nil {
			return e, err
		}
		if err := validatePath(fields[1]); err != nil {
			return e, err
		}
		return PatchEntry{Op: OpAdd, Path: fields[1], Kind: kind, Digest: Digest(fields[3])}, nil

	case "remove":
		if len(fields) != 2 {
			return e, fmt.Errorf("remove: expected 2 fields, got %d", len(fields))
		}
		if err := validatePath(fields[1]); err != nil {
			return e, err
		}
		return PatchEntry{Op: OpRemove, Path: fields[1]}, nil

	case "modify":
		if len(fields) != 6 {
			return e, fmt.Errorf("modify: expected 6 fields, got %d", len(fields))
		}
		kind, err := parseFileKind(fields[2])
		if err != nil {
			return e, err
		}
		if err := validatePath(fields[1]); err != nil {
			return e, err
		}
		entry := PatchEntry{
			Op:        OpModify,
			Path:      fields[1],
			Kind:      kind,
			OldDigest: Digest(fields[3]),
			Digest:    Digest(fields[4]),
		}
		switch fields[5] {
		case formText:
			entry.TextPatch = "\x00pending" // replaced with the .patch content
		case formBinary:
		default:
			return e, fmt.Errorf("modify: unknown form %q", fields[5])
		}
		return entry, nil

	case "rename":
		if len(fields) != 5 {
			return e, fmt.Errorf("rename: expected 5 fields, got %d", len(fields))
		}
		kind, err := parseFileKind(fields[3])
		if err != nil {
			return e, err
		}
		for _, p := range fields[1:3] {
			if err := validatePath(p); err != nil {
				return e, err
			}
		}
		return PatchEntry{Op: OpRename, OldPath: fields[1], Path: fields[2], Kind: kind, Digest: Digest(fields[4])}, nil

	default:
		return e, fmt.Errorf("unknown entry op %q", fields[0])
	}
}

// restoreBlobs reconstructs the new-content blobs of text modifies that
// are not already in the store, applying each entry's text patch to its
// old blob and verifying the result against the recorded digest.
func (ps *PatchSet) restoreBlobs(ctx context.Context, st store.Store) error {
	dmp := newDMP()
	var conflicts []Conflict

	for _, e := range ps.Entries {
		if e.Op != OpModify || e.TextPatch == "" || st.Has(ctx, string(e.Digest)) {
			continue
		}

		oldData, err := st.Get(ctx, string(e.OldDigest))
		if err != nil {
			return fmt.Errorf("restore %s: %w", e.Path, err)
		}

		patches, err := dmp.PatchFromText(e.TextPatch)
		if err != nil {
			conflicts = append(conflicts, Conflict{Path: e.Path, Reason: fmt.Sprintf("malformed text patch: %v", err)})
			continue
		}

		newText, applied := dmp.PatchApply(patches, string(oldData))
		ok := true
		for _, hunkOK := range applied {
			ok = ok && hunkOK
		}
		if !ok {
			conflicts = append(conflicts, Conflict{Path: e.Path, Reason: "text patch does not apply cleanly"})
			continue
		}

		if NewDigest([]byte(newText)) != e.Digest {
			conflicts = append(conflicts, Conflict{
				Path:   e.Path,
				Reason: fmt.Sprintf("patched content hashes to %s, patch set records %s", NewDigest([]byte(newText)).Short(), e.Digest.Short()),
			})
			continue
		}

		if _, err := st.Put(ctx, []byte(newText)); err != nil {
			return fmt.Errorf("restore %s: %w", e.Path, err)
		}
	}

	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// matchAny reports whether p matches any of the glob patterns, testing
// the full slash path and the basename the way the manifest's ignore and
// overwrite lists expect.
func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
	}
	return false
}

func writePatchFile(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create patch subdirectory: %w", err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}
