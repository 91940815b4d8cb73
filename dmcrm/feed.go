package dmcrm

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
)

// ChangeFeedListener keeps the session registry synchronized with the
// account store without polling. Account INSERT/DELETE notifications
// (from the [AccountNotifier]) arrive on the feed channels; this
// listener drives the corresponding AddSession/RemoveSession calls.
//
// Out-of-order and duplicate notifications are tolerated: a duplicate
// insert hits the manager's idempotent add, a delete for an unknown
// account is a no-op, and an insert for a row that has since been
// deleted just fails the account lookup and is dropped with a warning.
type ChangeFeedListener struct {
	db        DBI
	manager   *SessionManager
	addedCh   <-chan string
	removedCh <-chan string
	logger    *slog.Logger
}

func NewChangeFeedListener(
	db DBI,
	manager *SessionManager,
	addedCh <-chan string,
	removedCh <-chan string,
	logger *slog.Logger,
) *ChangeFeedListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeedListener{
		db:        db,
		manager:   manager,
		addedCh:   addedCh,
		removedCh: removedCh,
		logger:    logger.With(loggerNameKey, "change_feed"),
	}
}

// Run consumes the feed until ctx is cancelled. One event is handled at
// a time, so registry changes stay serialized through the manager.
func (f *ChangeFeedListener) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "change feed listener started")
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("change feed listener stopped")
			return ctx.Err()
		case accountID := <-f.addedCh:
			f.handleAdded(ctx, accountID)
		case accountID := <-f.removedCh:
			f.manager.RemoveSession(accountID)
		}
	}
}

func (f *ChangeFeedListener) handleAdded(ctx context.Context, accountID string) {
	account, err := f.db.GetAccount(ctx, accountID)
	if err != nil {
		f.logger.ErrorContext(
			ctx,
			"error loading account from change feed",
			tint.Err(err),
			"account_id", accountID,
		)
		return
	}
	if account == nil {
		// insert notification for a row that's already gone
		f.logger.WarnContext(
			ctx,
			"account from change feed not found, dropping",
			"account_id", accountID,
		)
		return
	}
	if err = f.manager.AddSession(ctx, account.ID, account.Token); err != nil {
		f.logger.ErrorContext(
			ctx,
			"error starting session from change feed",
			tint.Err(err),
			"account_id", accountID,
		)
		return
	}
	f.logger.InfoContext(
		ctx,
		"started session from change feed",
		accountLogAttrs(*account)...,
	)
}
