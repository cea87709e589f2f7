package patchup

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"
)

// DefaultFetcher returns the standard fetch capability: HTTP GET for
// archive origins, a direct directory handle for local origins, and a
// git checkout for vcs origins. Callers with other transports supply
// their own FetchFunc.
func DefaultFetcher() FetchFunc {
	return func(ctx context.Context, origin Origin) (*Fetched, error) {
		switch origin.Kind {
		case OriginArchive:
			return fetchArchiveURL(ctx, origin)
		case OriginLocal:
			return fetchLocalPath(origin)
		case OriginVCS:
			return fetchGitRef(ctx, origin)
		default:
			return nil, fmt.Errorf("unknown origin kind %q", origin.Kind)
		}
	}
}

func fetchArchiveURL(ctx context.Context, origin Origin) (*Fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.Location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", origin.Location, resp.Status)
	}
	return &Fetched{Archive: resp.Body, Name: path.Base(origin.Location)}, nil
}

func fetchLocalPath(origin Origin) (*Fetched, error) {
	info, err := os.Stat(origin.Location)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", origin.Location)
	}
	return &Fetched{Dir: origin.Location}, nil
}

// fetchGitRef clones the repository into a temporary directory and checks
// out the origin's ref. The checkout keeps its .git directory; the
// resolver strips VCS metadata during normalization.
func fetchGitRef(ctx context.Context, origin Origin) (*Fetched, error) {
	dir, err := os.MkdirTemp("", "patchup-git-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	if out, err := gitRun(ctx, "", "clone", "--quiet", origin.Location, dir); err != nil {
		cleanup()
		return nil, fmt.Errorf("git clone %s: %v: %s", origin.Location, err, out)
	}

	ref := origin.Ref
	if ref != "" {
		// Refuse refs git cannot pin to a single commit.
		if out, err := gitRun(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err != nil {
			cleanup()
			if strings.Contains(strings.ToLower(out), "ambiguous") {
				return nil, fmt.Errorf("%w: %q in %s", ErrAmbiguousRef, ref, origin.Location)
			}
			return nil, fmt.Errorf("resolve ref %q in %s: %v: %s", ref, origin.Location, err, out)
		}
		if out, err := gitRun(ctx, dir, "checkout", "--quiet", ref); err != nil {
			cleanup()
			return nil, fmt.Errorf("git checkout %s: %v: %s", ref, err, out)
		}
	}

	resolved, err := gitRun(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("git rev-parse HEAD: %w", err)
	}

	return &Fetched{Dir: dir, Ref: strings.TrimSpace(resolved), Cleanup: cleanup}, nil
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	return string(out), err
}
