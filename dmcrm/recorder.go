package dmcrm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
)

// MessageRecorder turns a raw inbound or outbound [MessageEvent] into a
// persisted [Message], exactly once. The live gateway stream, the
// history importer and the manager's send path all funnel through here,
// under at-least-once delivery - dedupe on (account_id,
// remote_message_id) is what makes that safe.
type MessageRecorder struct {
	db     DBI
	logger *slog.Logger
}

func NewMessageRecorder(db DBI, logger *slog.Logger) *MessageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageRecorder{
		db:     db,
		logger: logger.With(loggerNameKey, "recorder"),
	}
}

// Persist stores the event as a Message. When the event carries a
// remote message ID already recorded for the same account, no row is
// written and skipped=true is returned - including when the existing
// row is only discovered via the storage uniqueness constraint, which
// is the authoritative guard against the check-then-insert race between
// the live stream and history backfill.
//
// Exactly one insert happens on success; zero on a skip.
func (r *MessageRecorder) Persist(ctx context.Context, ev MessageEvent) (
	*Message,
	bool,
	error,
) {
	if ev.AccountID == "" || ev.PeerID == "" {
		return nil, false, fmt.Errorf(
			"invalid event: account_id=%q peer_id=%q",
			ev.AccountID,
			ev.PeerID,
		)
	}

	if ev.RemoteMessageID != "" {
		exists, err := r.exists(ctx, ev.AccountID, ev.RemoteMessageID)
		if err != nil {
			return nil, false, err
		}
		if exists {
			return nil, true, nil
		}
	}

	msg := ev.Record()
	_, err := r.db.Create(ctx, &msg)
	if err != nil {
		if isDuplicateKeyError(err) {
			// lost the check-then-insert race - same outcome as the
			// pre-check finding the row
			return nil, true, nil
		}
		return nil, false, err
	}

	r.logger.DebugContext(ctx, "recorded message", messageLogAttrs(msg)...)
	return &msg, false, nil
}

func (r *MessageRecorder) exists(
	ctx context.Context,
	accountID string,
	remoteMessageID string,
) (bool, error) {
	var count int64
	err := r.db.DB().WithContext(ctx).Model(&Message{}).Where(
		"account_id = ? AND remote_message_id = ?",
		accountID,
		remoteMessageID,
	).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// isDuplicateKeyError reports whether the insert failed on the
// (account_id, remote_message_id) uniqueness constraint. GORM's error
// translation covers both drivers; the string checks are a fallback for
// configurations without it.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
