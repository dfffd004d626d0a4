package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/proximity"
	"github.com/JakeFAU/digwatch/internal/storage/memory"
)

type stubMatcher struct {
	alerts map[int64][]proximity.Alert
	errs   map[int64]error
}

func (m stubMatcher) Match(_ context.Context, userID int64) ([]proximity.Alert, error) {
	if err := m.errs[userID]; err != nil {
		return nil, err
	}
	return m.alerts[userID], nil
}

func TestNotifyAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	users := memory.NewUserStore()
	users.PutUser(notice.User{ID: 1, ExternalID: "alice"})
	users.PutUser(notice.User{ID: 2, ExternalID: "bob"})
	users.PutUser(notice.User{ID: 3, ExternalID: "carol"})
	users.PutUser(notice.User{ID: 4, ExternalID: "dave"})
	users.PutUser(notice.User{ID: 5, ExternalID: "erin"})

	r := newTestRegistry()
	conns := map[string]*fakeConn{
		"alice": {},
		"bob":   {},
		"carol": {sendErr: errors.New("gone")},
		"dave":  {},
		"erin":  {},
		"ghost": {},
	}
	for id, c := range conns {
		r.Register(id, c)
	}

	matcher := stubMatcher{
		alerts: map[int64][]proximity.Alert{
			1: {{FavoriteID: 1}, {FavoriteID: 2}},
			3: {{FavoriteID: 3}},
			5: {{FavoriteID: 5}},
		},
		errs: map[int64]error{4: errors.New("db down")},
	}
	n, err := NewNotifier(r, users, matcher, nil)
	require.NoError(t, err)

	report := n.NotifyAll(context.Background())
	require.Equal(t, SweepReport{Identities: 6, Notified: 2, Alerts: 3, Skipped: 1, Failed: 2}, report)

	require.Len(t, conns["alice"].messages(), 1)
	require.Empty(t, conns["bob"].messages())
	require.Len(t, conns["erin"].messages(), 1)
	// The failed push evicted carol; everyone else stays connected.
	require.Equal(t, []string{"alice", "bob", "dave", "erin", "ghost"}, r.Identities())
}

func TestNotifyAllEmptyRegistry(t *testing.T) {
	t.Parallel()

	n, err := NewNotifier(newTestRegistry(), memory.NewUserStore(), stubMatcher{}, nil)
	require.NoError(t, err)
	require.Equal(t, SweepReport{}, n.NotifyAll(context.Background()))
}

func TestNewNotifierValidation(t *testing.T) {
	t.Parallel()

	_, err := NewNotifier(nil, memory.NewUserStore(), stubMatcher{}, nil)
	require.Error(t, err)
}
