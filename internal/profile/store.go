// Package profile manages named, isolated browser identity directories
// (cookies, local storage). It is pure filesystem bookkeeping: uniqueness,
// a deletion guard while a live handle references the profile, and nothing
// else.
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NotFoundError reports an unknown profile name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("profile %q not found", e.Name) }

var (
	// ErrProfileExists is returned by Create and Copy for a taken name.
	ErrProfileExists = errors.New("profile already exists")

	// ErrProfileInUse is returned by Delete while a live handle holds the
	// profile.
	ErrProfileInUse = errors.New("profile is referenced by a live handle")

	// ErrBadName is returned for names that are empty or would escape the
	// profile root.
	ErrBadName = errors.New("invalid profile name")
)

// Store keeps one directory per profile under a single root. Directory path
// maps 1:1 to name.
type Store struct {
	root string
	log  *zap.Logger

	mu   sync.Mutex
	refs map[string]int
}

// NewStore creates the profile root if needed.
func NewStore(root string, log *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("profile root required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root: %w", err)
	}
	return &Store{root: root, log: log.Named("profile"), refs: make(map[string]int)}, nil
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return filepath.Join(s.root, name), nil
}

// Create allocates a fresh identity directory and returns its path.
func (s *Store) Create(name string) (string, error) {
	dir, err := s.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %q", ErrProfileExists, name)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create profile %q: %w", name, err)
	}
	s.log.Info("profile created", zap.String("name", name), zap.String("dir", dir))
	return dir, nil
}

// Get returns the directory path for an existing profile.
func (s *Store) Get(name string) (string, error) {
	dir, err := s.path(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &NotFoundError{Name: name}
	}
	return dir, nil
}

// Ensure returns the profile directory, creating it on first use.
func (s *Store) Ensure(name string) (string, error) {
	dir, err := s.Get(name)
	if err == nil {
		return dir, nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return s.Create(name)
	}
	return "", err
}

// Acquire records a live-handle reference. The returned release function is
// safe to call exactly once; handles wire it through Options.ReleaseProfile.
func (s *Store) Acquire(name string) func() {
	s.mu.Lock()
	s.refs[name]++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.refs[name] > 1 {
				s.refs[name]--
			} else {
				delete(s.refs, name)
			}
			s.mu.Unlock()
		})
	}
}

// InUse reports whether any live handle references the profile.
func (s *Store) InUse(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[name] > 0
}

// Delete removes a profile directory. Rejected while a live handle
// references the profile.
func (s *Store) Delete(name string) error {
	dir, err := s.Get(name)
	if err != nil {
		return err
	}
	if s.InUse(name) {
		return fmt.Errorf("%w: %q", ErrProfileInUse, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	s.log.Info("profile deleted", zap.String("name", name))
	return nil
}

// Copy clones src's identity directory into a new profile dst.
func (s *Store) Copy(src, dst string) error {
	srcDir, err := s.Get(src)
	if err != nil {
		return err
	}
	dstDir, err := s.path(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dstDir); err == nil {
		return fmt.Errorf("%w: %q", ErrProfileExists, dst)
	}
	if err := copyTree(srcDir, dstDir); err != nil {
		// Half-copied identity directories are worse than none.
		_ = os.RemoveAll(dstDir)
		return fmt.Errorf("copy profile %q -> %q: %w", src, dst, err)
	}
	s.log.Info("profile copied", zap.String("src", src), zap.String("dst", dst))
	return nil
}

// List returns profile names sorted lexically.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Info describes one profile for CLI listings.
type Info struct {
	Name      string
	Dir       string
	CreatedAt time.Time
	InUse     bool
}

// Describe returns metadata for one profile.
func (s *Store) Describe(name string) (Info, error) {
	dir, err := s.Get(name)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(dir)
	if err != nil {
		return Info{}, &NotFoundError{Name: name}
	}
	return Info{Name: name, Dir: dir, CreatedAt: st.ModTime(), InUse: s.InUse(name)}, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			// Chrome leaves sockets and the SingletonLock symlink behind;
			// a fork must not inherit another profile's lock.
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
