// Package memory provides in-memory stores for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// ErrTxDone is returned by a transaction used after Commit or Rollback.
var ErrTxDone = errors.New("transaction already finished")

// NoticeStore keeps notices in insertion order.
type NoticeStore struct {
	mu      sync.RWMutex
	nextID  int64
	notices []notice.Notice
}

var _ notice.Store = (*NoticeStore)(nil)

// NewNoticeStore constructs an empty NoticeStore.
func NewNoticeStore() *NoticeStore {
	return &NoticeStore{nextID: 1}
}

// Seed inserts notices directly, assigning ids to the ones without.
func (s *NoticeStore) Seed(notices ...notice.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range notices {
		s.insertLocked(n)
	}
}

func (s *NoticeStore) insertLocked(n notice.Notice) {
	if n.ID == 0 {
		n.ID = s.nextID
	}
	if n.ID >= s.nextID {
		s.nextID = n.ID + 1
	}
	n.Geometry = cloneGeometry(n.Geometry)
	s.notices = append(s.notices, n)
}

// All returns a snapshot of every notice.
func (s *NoticeStore) All() []notice.Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(func(notice.Notice) bool { return true })
}

func (s *NoticeStore) snapshotLocked(keep func(notice.Notice) bool) []notice.Notice {
	out := make([]notice.Notice, 0, len(s.notices))
	for _, n := range s.notices {
		if keep(n) {
			n.Geometry = cloneGeometry(n.Geometry)
			out = append(out, n)
		}
	}
	return out
}

// FindByURLs returns notices keyed by url. The first stored match wins.
func (s *NoticeStore) FindByURLs(_ context.Context, urls []string) (map[string]notice.Notice, error) {
	return s.findBy(urls, func(n notice.Notice) string { return n.URL }), nil
}

// FindByNames returns notices keyed by name. The first stored match wins.
func (s *NoticeStore) FindByNames(_ context.Context, names []string) (map[string]notice.Notice, error) {
	return s.findBy(names, func(n notice.Notice) string { return n.Name }), nil
}

func (s *NoticeStore) findBy(keys []string, field func(notice.Notice) string) map[string]notice.Notice {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			want[k] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]notice.Notice)
	for _, n := range s.notices {
		k := field(n)
		if _, ok := want[k]; !ok {
			continue
		}
		if _, dup := out[k]; dup {
			continue
		}
		n.Geometry = cloneGeometry(n.Geometry)
		out[k] = n
	}
	return out
}

// ListMissingGeometry returns notices without a geometry.
func (s *NoticeStore) ListMissingGeometry(_ context.Context) ([]notice.Notice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(func(n notice.Notice) bool { return n.Geometry.IsEmpty() }), nil
}

// ListActive returns notices whose date range covers day.
func (s *NoticeStore) ListActive(_ context.Context, day time.Time) ([]notice.Notice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(func(n notice.Notice) bool { return n.ActiveOn(day) }), nil
}

// Begin opens a transaction whose writes apply atomically on Commit.
func (s *NoticeStore) Begin(_ context.Context) (notice.Tx, error) {
	return &noticeTx{store: s}, nil
}

type noticeTx struct {
	store   *NoticeStore
	ops     []func()
	done    bool
	cleared bool
}

func (t *noticeTx) DeleteAll(_ context.Context) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	n := int64(0)
	if !t.cleared {
		t.store.mu.RLock()
		n = int64(len(t.store.notices))
		t.store.mu.RUnlock()
	}
	t.cleared = true
	t.ops = append(t.ops, func() { t.store.notices = nil })
	return n, nil
}

func (t *noticeTx) Insert(_ context.Context, n notice.Notice) error {
	if t.done {
		return ErrTxDone
	}
	n.ID = 0
	t.ops = append(t.ops, func() { t.store.insertLocked(n) })
	return nil
}

func (t *noticeTx) UpdateGeometry(_ context.Context, id int64, g *notice.Geometry) error {
	if t.done {
		return ErrTxDone
	}
	if t.cleared || !t.store.exists(id) {
		return fmt.Errorf("update geometry for notice %d: %w", id, notice.ErrNotFound)
	}
	g = cloneGeometry(g)
	t.ops = append(t.ops, func() {
		for i := range t.store.notices {
			if t.store.notices[i].ID == id {
				t.store.notices[i].Geometry = g
				return
			}
		}
	})
	return nil
}

func (t *noticeTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	return nil
}

func (t *noticeTx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.ops = nil
	return nil
}

func (s *NoticeStore) exists(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notices {
		if n.ID == id {
			return true
		}
	}
	return false
}

func cloneGeometry(g *notice.Geometry) *notice.Geometry {
	if g == nil {
		return nil
	}
	return &notice.Geometry{Type: g.Type, Coordinates: append([]float64(nil), g.Coordinates...)}
}
