package dmcrm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(
	t testing.TB,
	db DBI,
	conns map[string]*mockChatConn,
) *SessionManager {
	t.Helper()
	recorder := NewMessageRecorder(db, testLogger(t))
	manager := NewSessionManager(
		db,
		recorder,
		NewHistoryImporter(recorder, DefaultHistoryPageSize, testLogger(t)),
		testDiscordConfig(t),
		mockConnFactory(conns),
		testLogger(t),
	)
	t.Cleanup(manager.StopAll)
	return manager
}

func TestManagerAddSession(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conns := map[string]*mockChatConn{
		account.Token: newMockChatConn(newDiscordUser("acct-1", "one")),
	}
	manager := newTestManager(t, db, conns)

	require.NoError(
		t,
		manager.AddSession(context.Background(), account.ID, account.Token),
	)

	state, ok := manager.SessionState("acct-1")
	require.True(t, ok)
	assert.Equal(t, SessionStateReady, state)

	status := manager.Status()
	assert.Equal(t, 1, status.TotalBots)
	assert.Equal(t, []string{"acct-1"}, status.ActiveBots)
}

func TestManagerAddSessionIdempotent(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conns := map[string]*mockChatConn{
		account.Token: newMockChatConn(newDiscordUser("acct-1", "one")),
	}
	manager := newTestManager(t, db, conns)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	// duplicate notification from the change feed: no error, no
	// second session
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))
	assert.Equal(t, 1, manager.Status().TotalBots)
}

func TestManagerAddSessionFailureNotRegistered(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conn := newMockChatConn(newDiscordUser("acct-1", "one"))
	conn.openErr = newRESTError(http.StatusUnauthorized)
	manager := newTestManager(
		t, db, map[string]*mockChatConn{account.Token: conn},
	)

	err := manager.AddSession(context.Background(), account.ID, account.Token)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 0, manager.Status().TotalBots)

	_, ok := manager.SessionState("acct-1")
	assert.False(t, ok)
}

func TestManagerSyncsAccountIdentity(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)

	// no operator-set display name: both fields follow Discord
	account := Account{ID: "acct-1", Token: "token-acct-1"}
	_, err := db.Create(context.Background(), &account)
	require.NoError(t, err)

	self := newDiscordUser("acct-1", "one")
	self.Avatar = "a1b2c3"
	conns := map[string]*mockChatConn{
		account.Token: newMockChatConn(self),
	}
	manager := newTestManager(t, db, conns)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	require.Eventually(
		t,
		func() bool {
			updated, getErr := db.GetAccount(ctx, account.ID)
			if getErr != nil || updated == nil {
				return false
			}
			return updated.DisplayName == displayNameFor(self) &&
				updated.AvatarURL == self.AvatarURL("")
		},
		5*time.Second,
		10*time.Millisecond,
	)
}

func TestManagerKeepsOperatorDisplayName(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")

	self := newDiscordUser("acct-1", "one")
	self.Avatar = "a1b2c3"
	conns := map[string]*mockChatConn{
		account.Token: newMockChatConn(self),
	}
	manager := newTestManager(t, db, conns)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	require.Eventually(
		t,
		func() bool {
			updated, getErr := db.GetAccount(ctx, account.ID)
			if getErr != nil || updated == nil {
				return false
			}
			return updated.AvatarURL == self.AvatarURL("")
		},
		5*time.Second,
		10*time.Millisecond,
	)

	updated, err := db.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, account.DisplayName, updated.DisplayName)
}

func TestManagerRemoveSessionUnknown(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	manager := newTestManager(t, db, map[string]*mockChatConn{})

	// must be a silent no-op
	manager.RemoveSession("never-registered")
	assert.Equal(t, 0, manager.Status().TotalBots)
}

func TestManagerLoadAndStartPartialFailure(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)

	accountA := createTestAccount(t, db, "acct-a")
	accountB := createTestAccount(t, db, "acct-b")
	accountC := createTestAccount(t, db, "acct-c")

	badConn := newMockChatConn(newDiscordUser("acct-b", "b"))
	badConn.openErr = newRESTError(http.StatusUnauthorized)

	conns := map[string]*mockChatConn{
		accountA.Token: newMockChatConn(newDiscordUser("acct-a", "a")),
		accountB.Token: badConn,
		accountC.Token: newMockChatConn(newDiscordUser("acct-c", "c")),
	}
	manager := newTestManager(t, db, conns)

	// one rejected token must not block the other accounts
	require.NoError(t, manager.LoadAndStart(context.Background()))

	status := manager.Status()
	assert.Equal(t, 2, status.TotalBots)
	assert.Equal(t, []string{"acct-a", "acct-c"}, status.ActiveBots)
}

func TestManagerSendMessageUnknownAccount(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	manager := newTestManager(t, db, map[string]*mockChatConn{})

	_, err := manager.SendMessage(
		context.Background(),
		"acct-1",
		"peer-1",
		"hello",
	)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerSendMessagePersistsSentDirection(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conns := map[string]*mockChatConn{
		account.Token: newMockChatConn(newDiscordUser("acct-1", "one")),
	}
	manager := newTestManager(t, db, conns)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	sent, err := manager.SendMessage(ctx, account.ID, "peer-1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.MessageID)

	waitForMessageCount(t, db.DB(), "acct-1", 1)

	var msg Message
	require.NoError(
		t,
		db.DB().Where("account_id = ?", "acct-1").Take(&msg).Error,
	)
	assert.Equal(t, DirectionSent, msg.Direction)
	assert.Equal(t, "peer-1", msg.PeerID)
	require.NotNil(t, msg.RemoteMessageID)
	assert.Equal(t, sent.MessageID, *msg.RemoteMessageID)
}

func TestManagerSendMessageSendFailureNotPersisted(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conn := newMockChatConn(newDiscordUser("acct-1", "one"))
	manager := newTestManager(
		t, db, map[string]*mockChatConn{account.Token: conn},
	)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	conn.sendErr = newRESTError(http.StatusTooManyRequests)
	_, err := manager.SendMessage(ctx, account.ID, "peer-1", "hello")
	assert.ErrorIs(t, err, ErrRateLimited)

	waitForMessageCount(t, db.DB(), "acct-1", 0)
}

func TestManagerStopAll(t *testing.T) {
	t.Parallel()
	db := setupTestDBI(t)
	account := createTestAccount(t, db, "acct-1")
	conn := newMockChatConn(newDiscordUser("acct-1", "one"))
	manager := newTestManager(
		t, db, map[string]*mockChatConn{account.Token: conn},
	)

	ctx := context.Background()
	require.NoError(t, manager.AddSession(ctx, account.ID, account.Token))

	manager.StopAll()
	assert.Equal(t, 0, manager.Status().TotalBots)
	assert.True(t, conn.closed.Load())
}
