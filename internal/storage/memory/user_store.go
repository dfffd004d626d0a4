package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// UserStore holds users and their saved locations.
type UserStore struct {
	mu        sync.RWMutex
	users     map[string]notice.User
	locations map[int64][]notice.SavedLocation
}

var (
	_ notice.UserStore     = (*UserStore)(nil)
	_ notice.LocationStore = (*UserStore)(nil)
)

// NewUserStore constructs an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{
		users:     make(map[string]notice.User),
		locations: make(map[int64][]notice.SavedLocation),
	}
}

// PutUser stores or replaces a user keyed by external id.
func (s *UserStore) PutUser(u notice.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ExternalID] = u
}

// AddLocation appends a saved location for its user.
func (s *UserStore) AddLocation(l notice.SavedLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.UserID] = append(s.locations[l.UserID], l)
}

// GetByExternalID resolves an external identity.
func (s *UserStore) GetByExternalID(_ context.Context, externalID string) (notice.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[externalID]
	if !ok {
		return notice.User{}, notice.ErrNotFound
	}
	return u, nil
}

// ListNotifying returns the user's locations with notifications enabled, in
// insertion order.
func (s *UserStore) ListNotifying(_ context.Context, userID int64) ([]notice.SavedLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notice.SavedLocation
	for _, l := range s.locations[userID] {
		if l.NotificationsEnabled {
			out = append(out, l)
		}
	}
	return out, nil
}
