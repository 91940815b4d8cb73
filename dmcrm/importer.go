package dmcrm

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// HistoryImporter backfills recent direct-message history into storage
// when a session reaches Ready, so the dashboard isn't empty after a
// cold start. Each conversation's most recent page is fetched, reordered
// oldest-first and handed to the recorder, whose dedupe makes re-running
// the import (after a crash, or overlapping with the live stream) safe.
type HistoryImporter struct {
	recorder *MessageRecorder
	pageSize int
	logger   *slog.Logger
}

func NewHistoryImporter(
	recorder *MessageRecorder,
	pageSize int,
	logger *slog.Logger,
) *HistoryImporter {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	return &HistoryImporter{
		recorder: recorder,
		pageSize: pageSize,
		logger:   logger.With(loggerNameKey, "importer"),
	}
}

// Run enumerates the session's DM channels and imports the latest page
// of each. A fetch failure for one conversation is logged and skipped -
// it never aborts the rest.
func (h *HistoryImporter) Run(ctx context.Context, session *Session) error {
	logger := h.logger.With("account_id", session.AccountID())

	channels, err := session.Conn().UserChannels(discordgo.WithContext(ctx))
	if err != nil {
		return classifyDiscordError(err)
	}

	var imported, skipped int
	for _, channel := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if channel == nil || channel.Type != discordgo.ChannelTypeDM {
			continue
		}
		pageImported, pageSkipped, importErr := h.importChannel(
			ctx,
			session,
			channel,
		)
		if importErr != nil {
			logger.WarnContext(
				ctx,
				"history fetch failed for conversation, skipping",
				tint.Err(importErr),
				"channel_id", channel.ID,
			)
			continue
		}
		imported += pageImported
		skipped += pageSkipped
	}

	logger.InfoContext(
		ctx,
		"history import complete",
		"channels", len(channels),
		"imported", imported,
		"skipped", skipped,
	)
	return nil
}

// importChannel fetches the most recent page for one DM channel and
// persists it oldest-first, so stored order matches real chronology
// regardless of delivery order.
func (h *HistoryImporter) importChannel(
	ctx context.Context,
	session *Session,
	channel *discordgo.Channel,
) (imported int, skipped int, err error) {
	messages, err := session.Conn().ChannelMessages(
		channel.ID,
		h.pageSize,
		"", "", "",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return 0, 0, classifyDiscordError(err)
	}

	// pages arrive newest-first
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg == nil {
			continue
		}
		ev, ok := session.eventFromMessage(msg)
		if !ok {
			continue
		}
		_, wasSkipped, persistErr := h.recorder.Persist(ctx, ev)
		if persistErr != nil {
			h.logger.ErrorContext(
				ctx,
				"error persisting imported message",
				tint.Err(persistErr),
				columnMessageRemoteID, ev.RemoteMessageID,
				"channel_id", channel.ID,
			)
			continue
		}
		if wasSkipped {
			skipped++
		} else {
			imported++
		}
	}
	return imported, skipped, nil
}
