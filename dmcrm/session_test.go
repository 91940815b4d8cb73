package dmcrm

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStartReachesReady(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	assert.Equal(t, SessionStateReady, session.State())
	assert.Equal(t, "self-1", session.SelfID())
	assert.True(t, conn.opened.Load())
}

func TestSessionStartAlreadyStarted(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	err := session.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, SessionStateReady, session.State())
}

func TestSessionStartAuthFailure(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	conn.openErr = newRESTError(http.StatusUnauthorized)

	recorder := NewMessageRecorder(db, testLogger(t))
	session := NewSession(
		"self-1",
		conn,
		testDiscordConfig(t),
		recorder,
		testLogger(t),
	)
	err := session.Start(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, SessionStateDisconnected, session.State())
}

func TestSessionStartReadyTimeout(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	conn.skipReady = true

	config := testDiscordConfig(t)
	config.ReadyTimeout = 50 * time.Millisecond

	recorder := NewMessageRecorder(db, testLogger(t))
	session := NewSession("self-1", conn, config, recorder, testLogger(t))

	err := session.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, SessionStateDisconnected, session.State())
	assert.True(t, conn.closed.Load())
}

func TestSessionStopIdempotent(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	session.Stop()
	assert.Equal(t, SessionStateDisconnected, session.State())
	assert.True(t, conn.closed.Load())

	// second stop must not panic or block
	session.Stop()
	assert.Equal(t, SessionStateDisconnected, session.State())
}

func TestSessionSend(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	sent, err := session.Send(context.Background(), "peer-1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.MessageID)
	assert.Equal(t, "peer-1", sent.PeerID)
	assert.Equal(t, "hello", sent.Content)
	assert.False(t, sent.Timestamp.IsZero())

	messages := conn.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)

	// every outbound message carries a fresh 19-digit numeric nonce
	nonce := messages[0].Nonce
	require.Len(t, nonce, sendNonceDigits)
	_, err = strconv.ParseUint(nonce, 10, 64)
	assert.NoError(t, err)
}

func TestSessionSendNotReady(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	recorder := NewMessageRecorder(db, testLogger(t))
	session := NewSession(
		"self-1",
		conn,
		testDiscordConfig(t),
		recorder,
		testLogger(t),
	)

	_, err := session.Send(context.Background(), "peer-1", "hello")
	assert.ErrorIs(t, err, ErrTransientSend)
}

func TestSessionSendErrorClassification(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		sendErr  error
		expected error
	}{
		{"rate_limited", newRESTError(http.StatusTooManyRequests), ErrRateLimited},
		{"auth_rejected", newRESTError(http.StatusUnauthorized), ErrAuthFailed},
		{"forbidden", newRESTError(http.StatusForbidden), ErrAuthFailed},
		{"server_error", newRESTError(http.StatusInternalServerError), ErrTransientSend},
	} {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				db := setupTestDBI(t)
				conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
				conn.sendErr = tc.sendErr
				session := newTestSession(t, db, conn)

				_, err := session.Send(context.Background(), "peer-1", "hello")
				assert.ErrorIs(t, err, tc.expected)
			},
		)
	}
}

func TestSessionSendTruncatesContent(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	long := make([]byte, discordMaxMessageLength+100)
	for i := range long {
		long[i] = 'a'
	}
	_, err := session.Send(context.Background(), "peer-1", string(long))
	require.NoError(t, err)

	messages := conn.sentMessages()
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].Content, discordMaxMessageLength)
}

func TestSessionRecordsInboundMessage(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	_ = newTestSession(t, db, conn)

	remoteID := nextTestMessageID()
	conn.dispatch(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        remoteID,
				ChannelID: "dm-peer-1",
				Content:   "incoming",
				Author:    newDiscordUser("peer-1", "peeruser"),
				Timestamp: time.Now().UTC(),
			},
		},
	)

	waitForMessageCount(t, db.DB(), "self-1", 1)

	var msg Message
	require.NoError(
		t,
		db.DB().Where("account_id = ?", "self-1").Take(&msg).Error,
	)
	assert.Equal(t, DirectionReceived, msg.Direction)
	assert.Equal(t, "peer-1", msg.PeerID)
	assert.Equal(t, "peeruser", msg.PeerDisplayName)
	require.NotNil(t, msg.RemoteMessageID)
	assert.Equal(t, remoteID, *msg.RemoteMessageID)
}

func TestSessionDuplicateInboundSkipped(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	_ = newTestSession(t, db, conn)

	remoteID := nextTestMessageID()
	payload := &discordgo.Message{
		ID:        remoteID,
		ChannelID: "dm-peer-1",
		Content:   "incoming",
		Author:    newDiscordUser("peer-1", "peeruser"),
		Timestamp: time.Now().UTC(),
	}
	conn.dispatch(&discordgo.MessageCreate{Message: payload})
	conn.dispatch(&discordgo.MessageCreate{Message: payload})

	waitForMessageCount(t, db.DB(), "self-1", 1)
	// give the pump a chance to mis-handle the duplicate
	time.Sleep(50 * time.Millisecond)
	waitForMessageCount(t, db.DB(), "self-1", 1)
}

func TestSessionEventFromMessageFilters(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	author := newDiscordUser("peer-1", "peeruser")

	for _, tc := range []struct {
		name string
		msg  *discordgo.Message
	}{
		{
			"guild_message",
			&discordgo.Message{
				ID:      nextTestMessageID(),
				GuildID: "guild-1",
				Content: "hi",
				Author:  author,
			},
		},
		{
			"system_message",
			&discordgo.Message{
				ID:      nextTestMessageID(),
				Type:    discordgo.MessageTypeChannelPinnedMessage,
				Content: "pinned",
				Author:  author,
			},
		},
		{
			"empty_content",
			&discordgo.Message{
				ID:     nextTestMessageID(),
				Author: author,
			},
		},
		{
			"missing_author",
			&discordgo.Message{
				ID:      nextTestMessageID(),
				Content: "hi",
			},
		},
	} {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				_, ok := session.eventFromMessage(tc.msg)
				assert.False(t, ok)
			},
		)
	}

	ev, ok := session.eventFromMessage(
		&discordgo.Message{
			ID:        nextTestMessageID(),
			ChannelID: "dm-peer-1",
			Content:   "hi",
			Author:    author,
			Timestamp: time.Now().UTC(),
		},
	)
	require.True(t, ok)
	assert.Equal(t, "peer-1", ev.PeerID)
	assert.Equal(t, DirectionReceived, ev.Direction())
}

func TestSessionSelfAuthoredEventResolvesPeer(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	// DM channel known to the connection, with the peer as recipient
	channel := conn.dmChannel("peer-1")

	ev, ok := session.eventFromMessage(
		&discordgo.Message{
			ID:        nextTestMessageID(),
			ChannelID: channel.ID,
			Content:   "sent from phone",
			Author:    conn.selfUser,
			Timestamp: time.Now().UTC(),
		},
	)
	require.True(t, ok)
	assert.Equal(t, DirectionSent, ev.Direction())
	assert.Equal(t, "peer-1", ev.PeerID)
	assert.Equal(t, "user-peer-1", ev.PeerDisplayName)
}

func TestSessionRefreshGuilds(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	conn.userGuilds = []*discordgo.UserGuild{
		{ID: "guild-1", Name: "First", Owner: true},
		{ID: "guild-2", Name: "Second"},
	}
	session := newTestSession(t, db, conn)

	require.NoError(t, session.RefreshGuilds(context.Background(), db))

	var guilds []Guild
	require.NoError(
		t,
		db.DB().Where(
			"account_id = ?", "self-1",
		).Order("guild_id asc").Find(&guilds).Error,
	)
	require.Len(t, guilds, 2)
	assert.Equal(t, "First", guilds[0].Name)
	assert.True(t, guilds[0].Owner)

	// refresh replaces, never accumulates
	conn.mu.Lock()
	conn.userGuilds = []*discordgo.UserGuild{
		{ID: "guild-2", Name: "Second Renamed"},
	}
	conn.mu.Unlock()
	require.NoError(t, session.RefreshGuilds(context.Background(), db))

	guilds = nil
	require.NoError(
		t,
		db.DB().Where("account_id = ?", "self-1").Find(&guilds).Error,
	)
	require.Len(t, guilds, 1)
	assert.Equal(t, "Second Renamed", guilds[0].Name)
}

func TestClassifyDiscordError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classifyDiscordError(nil))
	assert.ErrorIs(
		t,
		classifyDiscordError(
			&discordgo.RateLimitError{
				RateLimit: &discordgo.RateLimit{
					TooManyRequests: &discordgo.TooManyRequests{
						Message: "slow down",
					},
				},
			},
		),
		ErrRateLimited,
	)
	assert.ErrorIs(
		t,
		classifyDiscordError(newRESTError(http.StatusUnauthorized)),
		ErrAuthFailed,
	)
	assert.ErrorIs(
		t,
		classifyDiscordError(newRESTError(http.StatusBadGateway)),
		ErrTransientSend,
	)
	assert.ErrorIs(t, classifyDiscordError(errString("dial tcp: timeout")), ErrTransientSend)

	// a rejected token at gateway open arrives as a websocket close,
	// not a RESTError
	assert.ErrorIs(
		t,
		classifyDiscordError(
			&websocket.CloseError{Code: 4004, Text: "Authentication failed."},
		),
		ErrAuthFailed,
	)
	assert.ErrorIs(
		t,
		classifyDiscordError(
			&websocket.CloseError{Code: 4014, Text: "Disallowed intent(s)."},
		),
		ErrAuthFailed,
	)
	assert.ErrorIs(
		t,
		classifyDiscordError(
			&websocket.CloseError{Code: 4000, Text: "Unknown error."},
		),
		ErrTransientSend,
	)
}

func TestSessionRestartAfterStop(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	session := newTestSession(t, db, conn)

	session.Stop()
	require.Equal(t, SessionStateDisconnected, session.State())

	require.NoError(t, session.Start(context.Background()))
	assert.Equal(t, SessionStateReady, session.State())

	_, err := session.Send(context.Background(), "peer-1", "back again")
	require.NoError(t, err)

	session.Stop()
	assert.Equal(t, SessionStateDisconnected, session.State())
}

func TestSessionOpenAuthFailureViaWebsocketClose(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	conn := newMockChatConn(newDiscordUser("self-1", "selfuser"))
	conn.openErr = &websocket.CloseError{
		Code: 4004,
		Text: "Authentication failed.",
	}
	recorder := NewMessageRecorder(db, testLogger(t))
	session := NewSession(
		"self-1",
		conn,
		testDiscordConfig(t),
		recorder,
		testLogger(t),
	)

	err := session.Start(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, SessionStateDisconnected, session.State())
}
