package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutOfBounds is returned when a path resolves outside the sandbox root.
var ErrOutOfBounds = errors.New("path escapes sandbox root")

// ErrInvalidPath is returned for paths that cannot be resolved at all
// (empty input, embedded null bytes).
var ErrInvalidPath = errors.New("invalid path")

// Sandbox confines filesystem access to a single root directory. All
// user-supplied paths must pass through Resolve before touching the
// filesystem; the returned paths are absolute, symlink-canonicalized and
// guaranteed to be descendants of the root.
type Sandbox struct {
	root string // canonicalized absolute root
}

// New creates a sandbox rooted at dir, creating the directory if needed.
func New(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to absolutize sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize sandbox root: %w", err)
	}
	return &Sandbox{root: canonical}, nil
}

// Root returns the canonical absolute root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a logical path onto an absolute filesystem path inside the
// root. Relative and leading-slash paths are interpreted against the root;
// absolute paths already inside the root are accepted unchanged, which
// makes Resolve idempotent on its own output. An absolute path that names
// a real location outside the root is rejected, never remapped. The target
// does not have to exist, but every existing ancestor is canonicalized so
// a symlink inside the root cannot point the result outside it.
func (s *Sandbox) Resolve(logical string) (string, error) {
	if logical == "" {
		return "", ErrInvalidPath
	}
	if strings.ContainsRune(logical, 0) {
		return "", ErrInvalidPath
	}

	p := filepath.FromSlash(strings.TrimSpace(logical))
	var abs string
	if filepath.IsAbs(p) {
		clean := filepath.Clean(p)
		joined := filepath.Join(s.root, p)
		switch {
		case s.within(clean):
			abs = clean
		case existsBelow(string(filepath.Separator), clean) && !existsBelow(s.root, joined):
			// The path names a real location outside the root and nothing
			// under it: an escape attempt, not root-relative shorthand.
			return "", ErrOutOfBounds
		default:
			abs = joined
		}
	} else {
		// Join cleans the result, so ".." segments climb past the root
		// instead of being swallowed, and the prefix check below catches
		// them.
		abs = filepath.Join(s.root, p)
	}

	if !s.within(abs) {
		return "", ErrOutOfBounds
	}

	canonical, err := s.canonicalize(abs)
	if err != nil {
		return "", err
	}
	if !s.within(canonical) {
		return "", ErrOutOfBounds
	}
	return canonical, nil
}

// ResolveMkdir resolves logical like Resolve and then creates the resulting
// directory, intermediate segments included. Used only for download
// destinations; plain resolution never touches the filesystem.
func (s *Sandbox) ResolveMkdir(logical string) (string, error) {
	abs, err := s.Resolve(logical)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	// The new directories may themselves have been created under a symlink
	// racing us, so canonicalize and re-check.
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize directory: %w", err)
	}
	if !s.within(canonical) {
		return "", ErrOutOfBounds
	}
	return canonical, nil
}

// Rel returns the root-relative logical form of an absolute sandbox path,
// in slash form with a leading "/".
func (s *Sandbox) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrOutOfBounds
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// canonicalize resolves symlinks along abs. The leaf (and trailing
// not-yet-existing segments, for download destinations) may be missing, so
// symlinks are evaluated on the deepest existing ancestor and the remainder
// is re-joined lexically.
func (s *Sandbox) canonicalize(abs string) (string, error) {
	existing := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if len(tail) == 0 {
				return resolved, nil
			}
			// Rebuild the missing suffix in reverse discovery order.
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to canonicalize path: %w", err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", ErrOutOfBounds
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}
}

func (s *Sandbox) within(abs string) bool {
	return abs == s.root || strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// existsBelow reports whether abs, or any of its ancestors strictly below
// stop, names an existing filesystem entry. Lstat keeps dangling symlinks
// counting as present without following them.
func existsBelow(stop, abs string) bool {
	for p := abs; p != stop; {
		if _, err := os.Lstat(p); err == nil {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
	return false
}
