package fetch

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Spec describes one invocation: the remote sources and the local destination.
type Spec struct {
	Sources []string
	Dest    string
}

// Unit is one resolved source/destination pairing. The staging path is
// written during the transfer and promoted to Dest only on full success.
type Unit struct {
	URL     string
	Dest    string
	Staging string
}

// Attempt is the outcome of one successful transport call.
type Attempt struct {
	Bytes        int64
	ETag         string
	LastModified time.Time
}

// Resolve expands a Spec into concrete units.
//
// A single source may target a file path or a directory; multiple sources
// must target a directory, with each filename derived from the last segment
// of the source URL's path. Cardinality violations and URLs with no
// derivable filename surface as ConfigurationError.
func Resolve(spec Spec) ([]Unit, error) {
	if len(spec.Sources) == 0 {
		return nil, &ConfigurationError{Field: "src", Reason: "no source URLs given"}
	}

	if spec.Dest == "" {
		return nil, &ConfigurationError{Field: "dest", Reason: "no destination given"}
	}

	destIsDir := isDirPath(spec.Dest)
	if len(spec.Sources) > 1 && !destIsDir {
		return nil, &ConfigurationError{
			Field:  "dest",
			Reason: fmt.Sprintf("%d sources require a directory destination, got file path %q", len(spec.Sources), spec.Dest),
		}
	}

	units := make([]Unit, 0, len(spec.Sources))

	for _, raw := range spec.Sources {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, &ConfigurationError{Field: "src", Reason: fmt.Sprintf("malformed URL %q", raw), Err: err}
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, &ConfigurationError{Field: "src", Reason: fmt.Sprintf("unsupported scheme %q in %q", u.Scheme, raw)}
		}

		dest := spec.Dest
		if destIsDir {
			name, err := fileNameFromURL(u)
			if err != nil {
				return nil, err
			}

			dest = filepath.Join(strings.TrimSuffix(spec.Dest, string(os.PathSeparator)), name)
		}

		units = append(units, Unit{
			URL:     raw,
			Dest:    dest,
			Staging: stagingPath(dest),
		})
	}

	return units, nil
}

// fileNameFromURL derives a destination filename from the last segment of
// the URL path, percent-decoded, with a trailing slash stripped first.
func fileNameFromURL(u *url.URL) (string, error) {
	p := strings.TrimSuffix(u.Path, "/")

	seg := p
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		seg = p[idx+1:]
	}

	name, err := url.PathUnescape(seg)
	if err != nil {
		name = seg
	}

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return "", &ConfigurationError{
			Field:  "src",
			Reason: fmt.Sprintf("no derivable filename in URL %q", u.String()),
		}
	}

	return name, nil
}

// stagingPath places the staging file next to the destination so the final
// rename never crosses a filesystem boundary. The random infix keeps
// concurrent units from colliding.
func stagingPath(dest string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return filepath.Join(filepath.Dir(dest), fmt.Sprintf("%s.%s.part", filepath.Base(dest), suffix))
}

func isDirPath(dest string) bool {
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(os.PathSeparator)) {
		return true
	}

	info, err := os.Stat(dest)

	return err == nil && info.IsDir()
}
