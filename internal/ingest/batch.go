package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// batcher groups writes into transactions of at most size writes.
type batcher struct {
	store   notice.Store
	size    int
	logger  *zap.Logger
	tx      notice.Tx
	pending int
	commits int
}

func newBatcher(store notice.Store, size int, logger *zap.Logger) *batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &batcher{store: store, size: size, logger: logger}
}

// write runs fn inside the open transaction, opening one if needed, and
// commits once the batch is full. Any failure rolls the open batch back.
func (b *batcher) write(ctx context.Context, fn func(notice.Tx) error) error {
	if b.tx == nil {
		tx, err := b.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		b.tx = tx
	}
	if err := fn(b.tx); err != nil {
		b.rollback(ctx)
		return err
	}
	b.pending++
	if b.pending >= b.size {
		return b.flush(ctx)
	}
	return nil
}

// flush commits the open batch, if any.
func (b *batcher) flush(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}
	tx, pending := b.tx, b.pending
	b.tx, b.pending = nil, 0
	if err := tx.Commit(ctx); err != nil {
		b.rollbackTx(ctx, tx)
		return fmt.Errorf("commit batch of %d: %w", pending, err)
	}
	b.commits++
	b.logger.Debug("batch committed", zap.Int("writes", pending), zap.Int("batch", b.commits))
	return nil
}

func (b *batcher) rollback(ctx context.Context) {
	if b.tx == nil {
		return
	}
	tx := b.tx
	b.tx, b.pending = nil, 0
	b.rollbackTx(ctx, tx)
}

func (b *batcher) rollbackTx(ctx context.Context, tx notice.Tx) {
	// Rollback gets its own context so a canceled run still releases the tx.
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		b.logger.Debug("rollback batch", zap.Error(err))
	}
}
