package dmcrm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testMessageID atomic.Int64

func nextTestMessageID() string {
	return fmt.Sprintf("9%018d", testMessageID.Add(1))
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func setupTestDBI(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(setupTestDB(t), testLogger(t), false)
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		slog.NewTextHandler(
			io.Discard,
			&slog.HandlerOptions{Level: slog.LevelError},
		),
	).With("test_name", t.Name())
}

func levelVar(lvl slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(lvl)
	return v
}

func testDiscordConfig(t testing.TB) *DiscordConfig {
	t.Helper()
	return &DiscordConfig{
		LogLevel:          levelVar(slog.LevelError),
		DiscordGoLogLevel: levelVar(slog.LevelError),
		ReadyTimeout:      5 * time.Second,
		HistoryPageSize:   DefaultHistoryPageSize,
		EventBufferSize:   16,
	}
}

// DefaultTestConfig returns a Config suitable for tests: sqlite in a
// temp dir, loopback API listener, fixed admin credentials
// (username "admin", password "password").
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite
	cfg.LogLevel = levelVar(slog.LevelError)
	cfg.DatabaseLogLevel = levelVar(slog.LevelError)
	cfg.Discord = testDiscordConfig(t)
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-secret"
	cfg.API.AdminUsername = "admin"

	passwordHash, err := HashPassword("password")
	require.NoError(t, err)
	cfg.API.AdminPasswordHash = passwordHash
	cfg.API.Development = true
	cfg.API.LogLevel = levelVar(slog.LevelError)
	return cfg
}

func newDiscordUser(id string, username string) *discordgo.User {
	return &discordgo.User{
		ID:         id,
		Username:   username,
		GlobalName: username,
	}
}

// newRESTError builds a discordgo REST error with the given status
// code, as returned by the real client on a rejected request.
func newRESTError(statusCode int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: statusCode},
		Message:  &discordgo.APIErrorMessage{Message: http.StatusText(statusCode)},
	}
}

// mockChatConn implements ChatConn. Registered gateway handlers are
// held so tests can deliver events directly; Open synthesizes a ready
// event when selfUser is set.
type mockChatConn struct {
	mu sync.Mutex

	selfUser *discordgo.User

	openErr    error
	sendErr    error
	channelErr error

	// skipReady suppresses the ready event on Open, to exercise the
	// ready timeout path
	skipReady bool

	handlers      map[int]any
	nextHandlerID int

	// dmChannels is what UserChannels returns
	dmChannels []*discordgo.Channel

	// channelMessages maps channel ID to its (newest-first) history page
	channelMessages map[string][]*discordgo.Message

	// channelMessagesErr fails the history fetch for specific channels
	channelMessagesErr map[string]error

	userGuilds []*discordgo.UserGuild

	sent []sentMessage

	opened atomic.Bool
	closed atomic.Bool
}

var _ ChatConn = (*mockChatConn)(nil)

// sentMessage records one outbound send through the mock.
type sentMessage struct {
	ChannelID string
	Content   string
	Nonce     string
}

func newMockChatConn(selfUser *discordgo.User) *mockChatConn {
	return &mockChatConn{
		selfUser:           selfUser,
		handlers:           map[int]any{},
		channelMessages:    map[string][]*discordgo.Message{},
		channelMessagesErr: map[string]error{},
	}
}

func (m *mockChatConn) Open() error {
	if m.openErr != nil {
		return m.openErr
	}
	m.opened.Store(true)
	if !m.skipReady {
		m.dispatch(&discordgo.Ready{User: m.selfUser})
		m.dispatch(&discordgo.Connect{})
	}
	return nil
}

func (m *mockChatConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockChatConn) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// dispatch delivers a gateway event to every matching registered
// handler, the way discordgo does with SyncEvents enabled.
func (m *mockChatConn) dispatch(evt any) {
	m.mu.Lock()
	handlers := make([]any, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Ready):
			if r, ok := evt.(*discordgo.Ready); ok {
				fn(nil, r)
			}
		case func(*discordgo.Session, *discordgo.Connect):
			if c, ok := evt.(*discordgo.Connect); ok {
				fn(nil, c)
			}
		case func(*discordgo.Session, *discordgo.Disconnect):
			if d, ok := evt.(*discordgo.Disconnect); ok {
				fn(nil, d)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if mc, ok := evt.(*discordgo.MessageCreate); ok {
				fn(nil, mc)
			}
		}
	}
}

func (m *mockChatConn) SelfUser() *discordgo.User {
	return m.selfUser
}

func (m *mockChatConn) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return m.dmChannel(recipientID), nil
}

// dmChannel returns (creating if needed) the mock DM channel for a
// recipient.
func (m *mockChatConn) dmChannel(recipientID string) *discordgo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	channelID := "dm-" + recipientID
	for _, ch := range m.dmChannels {
		if ch.ID == channelID {
			return ch
		}
	}
	ch := &discordgo.Channel{
		ID:   channelID,
		Type: discordgo.ChannelTypeDM,
		Recipients: []*discordgo.User{
			newDiscordUser(recipientID, "user-"+recipientID),
		},
	}
	m.dmChannels = append(m.dmChannels, ch)
	return ch
}

func (m *mockChatConn) UserChannels(
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]*discordgo.Channel, len(m.dmChannels))
	copy(channels, m.dmChannels)
	return channels, nil
}

func (m *mockChatConn) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.dmChannels {
		if ch.ID == channelID {
			return ch, nil
		}
	}
	return nil, newRESTError(http.StatusNotFound)
}

func (m *mockChatConn) ChannelMessages(
	channelID string,
	limit int,
	_ string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.channelMessagesErr[channelID]; err != nil {
		return nil, err
	}
	messages := m.channelMessages[channelID]
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (m *mockChatConn) ChannelMessageSendWithNonce(
	channelID string,
	content string,
	nonce string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.mu.Lock()
	m.sent = append(
		m.sent, sentMessage{
			ChannelID: channelID,
			Content:   content,
			Nonce:     nonce,
		},
	)
	m.mu.Unlock()
	return &discordgo.Message{
		ID:        nextTestMessageID(),
		ChannelID: channelID,
		Content:   content,
		Author:    m.selfUser,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (m *mockChatConn) UserGuilds(
	_ int,
	_ string,
	_ string,
	_ bool,
	_ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userGuilds, nil
}

func (m *mockChatConn) SetHTTPClient(_ *http.Client) {}

func (m *mockChatConn) SetLogLevel(_ slog.Level) error {
	return nil
}

func (m *mockChatConn) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make([]sentMessage, len(m.sent))
	copy(sent, m.sent)
	return sent
}

// mockConnFactory returns a connFactory handing out the given
// connections keyed by token, so multi-account tests can fail one
// account and not another.
func mockConnFactory(conns map[string]*mockChatConn) connFactory {
	return func(token string, _ *DiscordConfig) (ChatConn, error) {
		conn, ok := conns[token]
		if !ok {
			return nil, fmt.Errorf("no mock connection for token %q", token)
		}
		return conn, nil
	}
}

// createTestAccount inserts an account row. Messages reference
// accounts by foreign key, so most fixtures need one.
func createTestAccount(t testing.TB, db DBI, accountID string) Account {
	t.Helper()
	account := Account{
		ID:          accountID,
		Token:       "token-" + accountID,
		DisplayName: "account-" + accountID,
	}
	_, err := db.Create(context.Background(), &account)
	require.NoError(t, err)
	return account
}

// newTestSession builds and starts a session against a mock connection.
func newTestSession(
	t testing.TB,
	db DBI,
	conn *mockChatConn,
) *Session {
	t.Helper()
	createTestAccount(t, db, conn.selfUser.ID)
	recorder := NewMessageRecorder(db, testLogger(t))
	session := NewSession(
		conn.selfUser.ID,
		conn,
		testDiscordConfig(t),
		recorder,
		testLogger(t),
	)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Stop)
	return session
}

// waitForMessageCount polls until the account has the expected number
// of stored messages, or the deadline passes.
func waitForMessageCount(
	t testing.TB,
	db *gorm.DB,
	accountID string,
	expected int64,
) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var count int64
		err := db.Model(&Message{}).Where(
			"account_id = ?",
			accountID,
		).Count(&count).Error
		require.NoError(t, err)
		if count == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf(
				"expected %d messages for account %s, got %d",
				expected,
				accountID,
				count,
			)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}
