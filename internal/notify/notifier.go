package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/proximity"
)

// Matcher produces the alerts for one user.
type Matcher interface {
	Match(ctx context.Context, userID int64) ([]proximity.Alert, error)
}

// SweepReport summarises one NotifyAll pass.
type SweepReport struct {
	Identities int `json:"identities"`
	Notified   int `json:"notified"`
	Alerts     int `json:"alerts"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Notifier runs the periodic sweep over connected identities.
type Notifier struct {
	registry *Registry
	users    notice.UserStore
	matcher  Matcher
	logger   *zap.Logger
}

// NewNotifier builds a Notifier.
func NewNotifier(registry *Registry, users notice.UserStore, matcher Matcher, logger *zap.Logger) (*Notifier, error) {
	if registry == nil || users == nil || matcher == nil {
		return nil, errors.New("registry, users and matcher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{registry: registry, users: users, matcher: matcher, logger: logger}, nil
}

// NotifyAll matches and pushes for every connected identity. A failure for
// one identity is logged and never stops the sweep.
func (n *Notifier) NotifyAll(ctx context.Context) SweepReport {
	start := time.Now()
	ids := n.registry.Identities()
	report := SweepReport{Identities: len(ids)}

	for _, id := range ids {
		if ctx.Err() != nil {
			n.logger.Warn("sweep canceled", zap.Error(ctx.Err()))
			break
		}
		user, err := n.users.GetByExternalID(ctx, id)
		if err != nil {
			report.Skipped++
			if errors.Is(err, notice.ErrNotFound) {
				n.logger.Warn("connected identity has no user", zap.String("external_id", id))
			} else {
				n.logger.Error("resolve identity", zap.String("external_id", id), zap.Error(err))
			}
			continue
		}
		alerts, err := n.matcher.Match(ctx, user.ID)
		if err != nil {
			report.Failed++
			n.logger.Error("proximity match failed", zap.String("external_id", id), zap.Error(err))
			continue
		}
		if len(alerts) == 0 {
			continue
		}
		if !n.registry.Push(ctx, id, alerts) {
			report.Failed++
			continue
		}
		report.Notified++
		report.Alerts += len(alerts)
	}

	metrics.ObserveSweep(time.Since(start))
	n.logger.Info("notification sweep finished",
		zap.Int("identities", report.Identities),
		zap.Int("notified", report.Notified),
		zap.Int("alerts", report.Alerts),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}
