package hotdb

import (
	"context"
	"fmt"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

// Rollback unwinds every hot block in top above height, highest first.
// Each block's change log is fully undone and its row deleted before the
// next lower block is touched. It returns the heads that were removed.
func Rollback(ctx context.Context, tx Tx, top []chain.Head, height int64) ([]chain.Head, error) {
	var undone []chain.Head
	for i := len(top) - 1; i >= 0; i-- {
		h := top[i]
		if h.Height <= height {
			break
		}
		n, err := rollbackBlock(ctx, tx, h.Height)
		if err != nil {
			return undone, fmt.Errorf("rollback block %s: %w", h, err)
		}
		logger.Printf("rollback", "Rolled back block %s (%d changes)", h, n)
		undone = append(undone, h)
	}
	return undone, nil
}

func rollbackBlock(ctx context.Context, tx Tx, height int64) (int, error) {
	changes, err := tx.ChangeLog(ctx, height)
	if err != nil {
		return 0, err
	}
	for i := len(changes) - 1; i >= 0; i-- {
		if err := undo(ctx, tx, changes[i]); err != nil {
			return 0, fmt.Errorf("undo change %d (%s %s/%s): %w", i, changes[i].Op, changes[i].Kind, changes[i].ID, err)
		}
	}
	if err := tx.DeleteHotBlock(ctx, height); err != nil {
		return 0, err
	}
	return len(changes), nil
}

func undo(ctx context.Context, tx Tx, c Change) error {
	switch c.Op {
	case OpInsert:
		return tx.DeleteEntities(ctx, c.Kind, []string{c.ID})
	case OpUpdate, OpDelete:
		if len(c.Before) == 0 {
			return fmt.Errorf("missing before-image")
		}
		return tx.PutEntities(ctx, c.Kind, []Row{{ID: c.ID, Data: c.Before}})
	}
	return fmt.Errorf("unknown change op %q", c.Op)
}
