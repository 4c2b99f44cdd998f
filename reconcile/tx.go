package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/internal/debug"
)

// withTransaction runs fn under explicit transaction control. When the
// session is currently in autocommit mode, autocommit is suspended for
// the duration and restored on every exit path. A savepoint is taken when
// supported; a savepoint failure is logged and tolerated. On fn failure
// the transaction rolls back to the savepoint, or fully without one.
func withTransaction(ctx context.Context, tx driver.TxManager, fn func() error) (err error) {
	if tx == nil {
		return fn()
	}

	auto, err := tx.Autocommit()
	if err != nil {
		return fmt.Errorf("read autocommit state: %w", err)
	}
	if auto {
		if err := tx.SetAutocommit(ctx, false); err != nil {
			return fmt.Errorf("suspend autocommit: %w", err)
		}
		defer func() {
			if rerr := tx.SetAutocommit(ctx, true); rerr != nil {
				debug.Error("restore autocommit failed", "err", rerr)
				if err == nil {
					err = fmt.Errorf("restore autocommit: %w", rerr)
				}
			}
		}()
	}

	var sp driver.Savepoint
	if tx.SupportsSavepoints() {
		name := fmt.Sprintf("querydesk_%d", time.Now().UnixNano())
		sp, err = tx.Savepoint(ctx, name)
		if err != nil {
			debug.Warn("savepoint unavailable, continuing without", "err", err)
			sp = nil
		}
	}

	if err = fn(); err != nil {
		if rbErr := tx.Rollback(ctx, sp); rbErr != nil {
			debug.Error("rollback failed", "err", rbErr)
		}
		return err
	}

	if auto {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit edits: %w", err)
		}
	}
	return nil
}
