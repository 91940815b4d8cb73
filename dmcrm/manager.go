package dmcrm

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// SessionManager owns the single authoritative mapping of account ID to
// live [Session]. It is the only component that creates or destroys
// sessions; collaborators that need to trigger sends hold a reference
// to the manager, never to a session or to the map.
type SessionManager struct {
	db       DBI
	recorder *MessageRecorder
	importer *HistoryImporter
	config   *DiscordConfig
	logger   *slog.Logger

	// newConn builds the Discord connection for an account token.
	// Swapped for a mock in tests.
	newConn connFactory

	mu       sync.Mutex
	sessions map[string]*Session

	startedAt time.Time

	// background holds the per-session backfill/guild-refresh
	// goroutines, so StopAll can wait for them
	background sync.WaitGroup
}

// ManagerStatus is the stable snapshot returned by Status, used for
// external health reporting only.
type ManagerStatus struct {
	TotalBots  int      `json:"totalBots"`
	ActiveBots []string `json:"activeBots"`
	Uptime     string   `json:"uptime"`
}

func NewSessionManager(
	db DBI,
	recorder *MessageRecorder,
	importer *HistoryImporter,
	config *DiscordConfig,
	newConn connFactory,
	logger *slog.Logger,
) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if newConn == nil {
		newConn = newDiscordConn
	}
	return &SessionManager{
		db:        db,
		recorder:  recorder,
		importer:  importer,
		config:    config,
		newConn:   newConn,
		logger:    logger.With(loggerNameKey, "session_manager"),
		sessions:  map[string]*Session{},
		startedAt: time.Now(),
	}
}

// LoadAndStart loads every existing account from the store and starts a
// session for each. A failure for one account is logged and never
// blocks initialization of the others.
func (m *SessionManager) LoadAndStart(ctx context.Context) error {
	accounts, err := m.db.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "starting sessions", "accounts", len(accounts))

	for _, account := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if addErr := m.AddSession(ctx, account.ID, account.Token); addErr != nil {
			m.logger.ErrorContext(
				ctx,
				"error starting session for account",
				tint.Err(addErr),
				"account_id", account.ID,
			)
		}
	}
	return nil
}

// AddSession constructs and starts a session for the account, and
// registers it only on success. Idempotent: a second add for a
// registered account warns and returns nil. A startup failure
// propagates to the caller and the account is not registered - no
// retry loop lives here, the caller/operator decides.
func (m *SessionManager) AddSession(
	ctx context.Context,
	accountID string,
	token string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[accountID]; exists {
		m.logger.WarnContext(
			ctx,
			"session already registered, ignoring add",
			"account_id", accountID,
		)
		return nil
	}

	conn, err := m.newConn(token, m.config)
	if err != nil {
		return err
	}

	session := NewSession(accountID, conn, m.config, m.recorder, m.logger)
	if err = session.Start(ctx); err != nil {
		return err
	}
	m.sessions[accountID] = session

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.syncAccountIdentity(ctx, session)
		if importErr := m.importer.Run(ctx, session); importErr != nil {
			m.logger.ErrorContext(
				ctx,
				"history import failed",
				tint.Err(importErr),
				"account_id", accountID,
			)
		}
		if guildErr := session.RefreshGuilds(ctx, m.db); guildErr != nil {
			m.logger.ErrorContext(
				ctx,
				"guild cache refresh failed",
				tint.Err(guildErr),
				"account_id", accountID,
			)
		}
	}()

	m.logger.InfoContext(ctx, "registered session", "account_id", accountID)
	return nil
}

// syncAccountIdentity refreshes the account row's dashboard metadata
// from the identity the gateway resolved: the avatar always follows
// Discord, the display name only when the operator left it blank.
// Failures are logged and never fatal.
func (m *SessionManager) syncAccountIdentity(
	ctx context.Context,
	session *Session,
) {
	self := session.SelfUser()
	if self == nil {
		return
	}
	accountID := session.AccountID()

	account, err := m.db.GetAccount(ctx, accountID)
	if err != nil || account == nil {
		m.logger.WarnContext(
			ctx,
			"account not found for identity sync",
			tint.Err(err),
			"account_id", accountID,
		)
		return
	}

	values := map[string]any{
		columnAccountAvatarURL: self.AvatarURL(""),
	}
	if account.DisplayName == "" {
		values[columnAccountDisplayName] = displayNameFor(self)
	}
	if _, err = m.db.Updates(ctx, &Account{ID: accountID}, values); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error syncing account identity",
			tint.Err(err),
			"account_id", accountID,
		)
	}
}

// RemoveSession stops and unregisters the account's session. A remove
// for an unknown account is a no-op.
func (m *SessionManager) RemoveSession(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[accountID]
	if !exists {
		m.logger.Debug(
			"no session registered, ignoring remove",
			"account_id", accountID,
		)
		return
	}
	session.Stop()
	delete(m.sessions, accountID)
	m.logger.Info("removed session", "account_id", accountID)
}

// SendMessage routes a send through the account's session, then records
// the sent message. The manager - not the session - guarantees every
// successful send is persisted; the live stream may independently echo
// the same message, and the recorder's dedupe makes that a skip.
func (m *SessionManager) SendMessage(
	ctx context.Context,
	accountID string,
	peerID string,
	content string,
) (SentMessage, error) {
	m.mu.Lock()
	session, exists := m.sessions[accountID]
	m.mu.Unlock()
	if !exists {
		return SentMessage{}, ErrNotFound
	}

	sent, err := session.Send(ctx, peerID, content)
	if err != nil {
		return SentMessage{}, err
	}

	ev := MessageEvent{
		AccountID:       accountID,
		SelfID:          session.SelfID(),
		AuthorID:        session.SelfID(),
		RemoteMessageID: sent.MessageID,
		PeerID:          peerID,
		Content:         sent.Content,
		Timestamp:       sent.Timestamp,
	}
	if peer, ok := session.resolvePeer(sent.ChannelID); ok {
		ev.PeerDisplayName = peer.displayName
		ev.PeerAvatarURL = peer.avatarURL
	}

	if _, _, persistErr := m.recorder.Persist(ctx, ev); persistErr != nil {
		// the send itself succeeded; the gateway echo will usually
		// land the record on the live path
		m.logger.ErrorContext(
			ctx,
			"error recording sent message",
			tint.Err(persistErr),
			"account_id", accountID,
			columnMessageRemoteID, sent.MessageID,
		)
	}

	return sent, nil
}

// Status returns a stable snapshot of the registry.
func (m *SessionManager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]string, 0, len(m.sessions))
	for accountID := range m.sessions {
		active = append(active, accountID)
	}
	sort.Strings(active)

	return ManagerStatus{
		TotalBots:  len(m.sessions),
		ActiveBots: active,
		Uptime:     time.Since(m.startedAt).Round(time.Second).String(),
	}
}

// SessionState returns the lifecycle state for one account's session,
// or false if none is registered.
func (m *SessionManager) SessionState(accountID string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[accountID]
	if !exists {
		return SessionStateDisconnected, false
	}
	return session.State(), true
}

// StopAll stops every registered session and waits for background
// import/refresh goroutines to finish.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	for accountID, session := range m.sessions {
		session.Stop()
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()
	m.background.Wait()
	m.logger.Info("all sessions stopped")
}
