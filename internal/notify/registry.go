// Package notify tracks live push connections and fans proximity alerts out
// to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/proximity"
)

// Message types exchanged over a push connection.
const (
	TypeConnected = "connected"
	TypeAlert     = "construction_alert"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Conn is one live client channel. Implementations serialise their own writes.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// AlertMessage is the pushed alert payload.
type AlertMessage struct {
	Type      string            `json:"type"`
	Alerts    []proximity.Alert `json:"alerts"`
	Timestamp string            `json:"timestamp"`
}

// Registry holds at most one connection per external identity.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]Conn
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewRegistry builds an empty Registry.
func NewRegistry(clock clockwork.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{conns: make(map[string]Conn), clock: clock, logger: logger}
}

// Register stores conn for id, closing any connection it replaces.
func (r *Registry) Register(id string, conn Conn) {
	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = conn
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetConnections(n)
	if old != nil && old != conn {
		if err := old.Close(); err != nil {
			r.logger.Debug("close replaced connection", zap.String("external_id", id), zap.Error(err))
		}
		r.logger.Info("connection replaced", zap.String("external_id", id))
		return
	}
	r.logger.Info("connection registered", zap.String("external_id", id))
}

// Unregister removes id only while conn is still the stored connection, so a
// late disconnect cannot evict a newer connection.
func (r *Registry) Unregister(id string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[id]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SetConnections(n)
	r.logger.Info("connection unregistered", zap.String("external_id", id))
	return true
}

// Identities returns a sorted snapshot of connected identities.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes and forgets every connection. Used on shutdown, since the
// HTTP server does not track upgraded connections.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	metrics.SetConnections(0)
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Debug("close connection", zap.String("external_id", id), zap.Error(err))
		}
	}
}

// Push sends alerts to id. It reports false when id is not connected or the
// send failed, in which case the connection is evicted and closed.
func (r *Registry) Push(ctx context.Context, id string, alerts []proximity.Alert) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	payload, err := r.alertPayload(alerts)
	if err != nil {
		r.logger.Error("encode alert payload", zap.String("external_id", id), zap.Error(err))
		return false
	}
	if err := conn.Send(ctx, payload); err != nil {
		metrics.ObservePush(len(alerts), false)
		r.logger.Warn("push failed, evicting connection", zap.String("external_id", id), zap.Error(err))
		if r.Unregister(id, conn) {
			_ = conn.Close()
		}
		return false
	}
	metrics.ObservePush(len(alerts), true)
	return true
}

func (r *Registry) alertPayload(alerts []proximity.Alert) ([]byte, error) {
	if alerts == nil {
		alerts = []proximity.Alert{}
	}
	raw, err := json.Marshal(AlertMessage{
		Type:      TypeAlert,
		Alerts:    alerts,
		Timestamp: r.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal alert message: %w", err)
	}
	return raw, nil
}
