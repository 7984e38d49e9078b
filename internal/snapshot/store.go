// Package snapshot persists and replays per-session tab state. A snapshot
// is a point-in-time record of a handle's tab registry, durable across
// process restarts; restore replays it into a handle all-or-nothing.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"browserd/internal/browser"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TabRecord is one captured tab.
type TabRecord struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// Record is the durable snapshot document. Exactly one tab carries Active
// unless the capture had no tabs at all.
type Record struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	ProfileName string      `json:"profile_name,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Tabs        []TabRecord `json:"tabs"`
}

// NotFoundError reports an unknown snapshot id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("snapshot %q not found", e.ID) }

// HandleProvider supplies a handle for restore when the caller did not pass
// one. The pool satisfies this.
type HandleProvider interface {
	Acquire(ctx context.Context, profile string) (*browser.Handle, error)
	Release(id string, healthy bool) error
}

const recordFile = "record.json"

// Store keeps one directory per snapshot under root, with the record
// written atomically (temp file then rename). A crash mid-write leaves at
// worst a stray temp file, never a truncated record.
type Store struct {
	root string
	log  *zap.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot root: %w", err)
	}
	return &Store{root: root, log: log.Named("snapshot")}, nil
}

// Save captures the handle's tab registry in one pass and persists it. The
// registry enumeration is a single consistent read under the handle lock;
// the active tab comes from the same pass, never from a separate query. The
// encode and write touch only the captured copy, so later lifecycle changes
// on the handle cannot tear the record.
func (s *Store) Save(h *browser.Handle, name string) (Record, error) {
	tabs := h.Tabs()
	rec := Record{
		ID:          uuid.NewString(),
		Name:        name,
		ProfileName: h.Profile(),
		CreatedAt:   time.Now().UTC(),
		Tabs:        make([]TabRecord, 0, len(tabs)),
	}
	for _, t := range tabs {
		rec.Tabs = append(rec.Tabs, TabRecord{URL: t.URL, Title: t.Title, Active: t.Current})
	}
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	s.log.Info("snapshot saved",
		zap.String("snapshot_id", rec.ID),
		zap.String("handle_id", h.ID()),
		zap.Int("tabs", len(rec.Tabs)))
	return rec, nil
}

func (s *Store) write(rec Record) error {
	dir := filepath.Join(s.root, rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := filepath.Join(dir, recordFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, recordFile)); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Get loads one record by id.
func (s *Store) Get(id string) (Record, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return Record{}, &NotFoundError{ID: id}
	}
	data, err := os.ReadFile(filepath.Join(s.root, id, recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, &NotFoundError{ID: id}
		}
		return Record{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return rec, nil
}

// List returns every readable record, newest first. Directories with a
// missing or corrupt record are skipped with a warning, not fatal; a crash
// can legitimately leave one behind.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rec, err := s.Get(e.Name())
		if err != nil {
			s.log.Warn("skipping unreadable snapshot", zap.String("snapshot_id", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a snapshot permanently.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	s.log.Info("snapshot deleted", zap.String("snapshot_id", id))
	return nil
}

// Restore replays a snapshot into target. A nil target acquires a fresh
// handle for the record's profile from the provider; that handle is the
// caller's working handle on success and is released unhealthy when the
// replay fails. With live tabs in the target and force unset the replay is
// refused with *browser.ConflictError and the target is left unchanged.
func (s *Store) Restore(ctx context.Context, id string, target *browser.Handle, provider HandleProvider, force bool) (*browser.Handle, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	acquired := false
	if target == nil {
		if provider == nil {
			return nil, fmt.Errorf("restore %s: no target handle and no provider", id)
		}
		target, err = provider.Acquire(ctx, rec.ProfileName)
		if err != nil {
			return nil, fmt.Errorf("restore %s: %w", id, err)
		}
		acquired = true
	}

	desired := make([]browser.Tab, 0, len(rec.Tabs))
	for _, t := range rec.Tabs {
		desired = append(desired, browser.Tab{URL: t.URL, Title: t.Title, Current: t.Active})
	}

	if err := target.ReplaceTabs(ctx, desired, force); err != nil {
		if acquired {
			if rerr := provider.Release(target.ID(), false); rerr != nil {
				s.log.Warn("release after failed restore", zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}

	s.log.Info("snapshot restored",
		zap.String("snapshot_id", id),
		zap.String("handle_id", target.ID()),
		zap.Int("tabs", len(desired)))
	return target, nil
}
