package dmcrm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// SessionState is the connection lifecycle state of one account session.
type SessionState string

const (
	SessionStateDisconnected SessionState = "disconnected"
	SessionStateConnecting   SessionState = "connecting"
	SessionStateReady        SessionState = "ready"
)

// Session maintains one live Discord connection for a single account.
// It owns the connection lifecycle, converts raw gateway payloads into
// canonical [MessageEvent] values on a per-session queue consumed by a
// single pump goroutine (preserving arrival order), and exposes the
// outbound send primitive.
//
// Sessions are created and destroyed exclusively by the
// [SessionManager]; nothing else holds a reference.
type Session struct {
	accountID string
	conn      ChatConn
	config    *DiscordConfig
	logger    *slog.Logger
	recorder  *MessageRecorder

	mu    sync.Mutex
	state SessionState

	// selfID is the account's own Discord user ID, resolved once the
	// gateway confirms identity
	selfID   string
	selfUser *discordgo.User

	// events is the per-session inbound queue. The gateway handler is
	// the only producer; the pump goroutine is the only consumer.
	events chan MessageEvent

	readyCh  chan *discordgo.Ready
	stopPump context.CancelFunc
	pumpDone chan struct{}

	removeHandlerFuncs []func()

	// peerCache maps DM channel IDs to the resolved peer, so
	// self-authored events don't need a channel lookup every time
	peerCache   map[string]peerIdentity
	peerCacheMu sync.Mutex

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	metricDropped     atomic.Int64
}

type peerIdentity struct {
	id          string
	displayName string
	avatarURL   string
}

// SentMessage is the result of a successful Session.Send.
type SentMessage struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	PeerID    string    `json:"peer_id"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSession constructs a Session for the given account. The connection
// is not opened until Start is called.
func NewSession(
	accountID string,
	conn ChatConn,
	config *DiscordConfig,
	recorder *MessageRecorder,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := config.EventBufferSize
	if bufSize <= 0 {
		bufSize = DefaultEventBufferSize
	}
	return &Session{
		accountID: accountID,
		conn:      conn,
		config:    config,
		recorder:  recorder,
		logger: logger.With(
			loggerNameKey, "session",
			"account_id", accountID,
		),
		state:     SessionStateDisconnected,
		events:    make(chan MessageEvent, bufSize),
		peerCache: map[string]peerIdentity{},
	}
}

// AccountID returns the ID of the account this session belongs to.
func (s *Session) AccountID() string {
	return s.accountID
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// SelfID returns the account's own Discord user ID, or empty before the
// session has reached Ready.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// SelfUser returns the resolved identity, or nil before the session has
// reached Ready.
func (s *Session) SelfUser() *discordgo.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfUser
}

// Conn returns the underlying connection. Used by the history importer
// and guild cache refresh.
func (s *Session) Conn() ChatConn {
	return s.conn
}

// Start opens the gateway connection and blocks until the backend
// confirms identity, the ready timeout elapses, or ctx is cancelled.
// Any failure leaves the session Disconnected and is returned to the
// caller - Start never retries. A rejected token surfaces as
// [ErrAuthFailed].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionStateDisconnected {
		s.mu.Unlock()
		return ErrSessionExists
	}
	s.state = SessionStateConnecting
	// a stopped session can be started again; the ready and pump-done
	// channels belong to a single run
	s.readyCh = make(chan *discordgo.Ready, 1)
	s.pumpDone = make(chan struct{})
	s.stopPump = nil
	s.mu.Unlock()

	s.removeHandlerFuncs = append(
		s.removeHandlerFuncs,
		s.conn.AddHandler(s.handlerReady()),
		s.conn.AddHandler(s.handlerConnect()),
		s.conn.AddHandler(s.handlerDisconnect()),
		s.conn.AddHandler(s.handlerMessageCreate()),
	)

	if err := s.conn.Open(); err != nil {
		s.teardown()
		return classifyDiscordError(err)
	}

	readyTimeout := s.config.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultSessionReadyTimeout
	}
	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	var ready *discordgo.Ready
	select {
	case ready = <-s.readyCh:
	//
	case <-timer.C:
		s.teardown()
		return fmt.Errorf(
			"%w: no ready event after %s",
			ErrTransientSend,
			readyTimeout,
		)
	case <-ctx.Done():
		s.teardown()
		return ctx.Err()
	}

	self := s.conn.SelfUser()
	if self == nil && ready != nil {
		self = ready.User
	}
	if self == nil || self.ID == "" {
		s.teardown()
		return fmt.Errorf("%w: gateway did not confirm identity", ErrAuthFailed)
	}

	s.mu.Lock()
	s.selfID = self.ID
	s.selfUser = self
	s.state = SessionStateReady
	s.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPump = cancel
	go s.pump(pumpCtx)

	s.logger.InfoContext(
		ctx,
		"session ready",
		"self_id", self.ID,
		"username", self.Username,
	)
	return nil
}

// Stop terminates the event subscription and releases the connection.
// In-flight sends are allowed to complete or fail naturally. Safe to
// call on a session that never reached Ready.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == SessionStateDisconnected {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == SessionStateReady
	s.state = SessionStateDisconnected
	s.mu.Unlock()

	s.teardown()
	if wasReady && s.stopPump != nil {
		s.stopPump()
		<-s.pumpDone
	}
	s.logger.Info("session stopped")
}

func (s *Session) teardown() {
	for _, remove := range s.removeHandlerFuncs {
		remove()
	}
	s.removeHandlerFuncs = nil
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("error closing connection", tint.Err(err))
	}
	s.setState(SessionStateDisconnected)
}

// Send resolves the DM channel for peerID, attaches a fresh client
// nonce and issues the send. The nonce is required by Discord to
// correlate client-side retries; local dedupe uses the returned message
// ID instead. Errors are classified ([ErrRateLimited],
// [ErrTransientSend], [ErrAuthFailed]) and never retried here.
func (s *Session) Send(
	ctx context.Context,
	peerID string,
	content string,
) (SentMessage, error) {
	if s.State() != SessionStateReady {
		return SentMessage{}, fmt.Errorf(
			"%w: session not ready",
			ErrTransientSend,
		)
	}
	if content == "" {
		return SentMessage{}, fmt.Errorf(
			"%w: empty message content",
			ErrTransientSend,
		)
	}

	channel, err := s.conn.UserChannelCreate(
		peerID,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
	if err != nil {
		return SentMessage{}, classifyDiscordError(err)
	}

	nonce, err := newSendNonce()
	if err != nil {
		return SentMessage{}, err
	}

	msg, err := s.conn.ChannelMessageSendWithNonce(
		channel.ID,
		truncate(content, discordMaxMessageLength),
		nonce,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
	if err != nil {
		return SentMessage{}, classifyDiscordError(err)
	}

	sent := SentMessage{
		MessageID: msg.ID,
		Content:   msg.Content,
		PeerID:    peerID,
		ChannelID: channel.ID,
		Timestamp: msg.Timestamp,
	}
	if sent.Timestamp.IsZero() {
		sent.Timestamp = time.Now().UTC()
	}

	s.logger.InfoContext(
		ctx,
		"sent message",
		"peer_id", peerID,
		"channel_id", channel.ID,
		columnMessageRemoteID, msg.ID,
	)
	return sent, nil
}

func (s *Session) handlerReady() func(
	_ *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		select {
		case s.readyCh <- r:
		default:
			// reconnect after a dropped gateway connection; identity
			// was already resolved on the first ready
		}
	}
}

func (s *Session) handlerConnect() func(
	_ *discordgo.Session,
	c *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		s.metricConnects.Add(1)
		s.connected.Store(true)
		s.logger.Info("gateway connected")
	}
}

func (s *Session) handlerDisconnect() func(
	_ *discordgo.Session,
	d *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		s.metricDisconnects.Add(1)
		s.connected.Store(false)
		s.logger.Info("gateway disconnected")
	}
}

// handlerMessageCreate is the parsing boundary for the live event
// stream: raw payloads are validated and mapped into MessageEvent at
// ingestion, and anything malformed or out of scope (guild traffic,
// system messages) is dropped here with a log line rather than
// propagated inward.
func (s *Session) handlerMessageCreate() func(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		ev, ok := s.eventFromMessage(m.Message)
		if !ok {
			return
		}
		select {
		case s.events <- ev:
		default:
			s.metricDropped.Add(1)
			s.logger.Warn(
				"event queue full, dropping inbound message",
				columnMessageRemoteID, ev.RemoteMessageID,
			)
		}
	}
}

// eventFromMessage maps a raw discord message into a canonical
// MessageEvent. Returns false for messages that shouldn't be recorded:
// guild traffic, system messages, empty content, or payloads whose peer
// can't be resolved.
func (s *Session) eventFromMessage(m *discordgo.Message) (MessageEvent, bool) {
	if m.GuildID != "" {
		return MessageEvent{}, false
	}
	if m.Type != discordgo.MessageTypeDefault &&
		m.Type != discordgo.MessageTypeReply {
		s.logger.Debug(
			"skipping non-user message",
			columnMessageRemoteID, m.ID,
			"type", int(m.Type),
		)
		return MessageEvent{}, false
	}
	if m.Content == "" {
		return MessageEvent{}, false
	}
	if m.Author == nil || m.Author.ID == "" {
		s.logger.Warn("dropping message with no author", columnMessageRemoteID, m.ID)
		return MessageEvent{}, false
	}

	selfID := s.SelfID()

	var peer peerIdentity
	if m.Author.ID == selfID {
		// self-authored (sent from another client, or our own send
		// echoed back): the peer is the DM channel's recipient
		resolved, ok := s.resolvePeer(m.ChannelID)
		if !ok {
			s.logger.Warn(
				"couldn't resolve peer for self-authored message",
				"channel_id", m.ChannelID,
				columnMessageRemoteID, m.ID,
			)
			return MessageEvent{}, false
		}
		peer = resolved
	} else {
		peer = peerIdentity{
			id:          m.Author.ID,
			displayName: displayNameFor(m.Author),
			avatarURL:   m.Author.AvatarURL(""),
		}
		s.cachePeer(m.ChannelID, peer)
	}

	return MessageEvent{
		AccountID:       s.accountID,
		SelfID:          selfID,
		AuthorID:        m.Author.ID,
		RemoteMessageID: m.ID,
		PeerID:          peer.id,
		PeerDisplayName: peer.displayName,
		PeerAvatarURL:   peer.avatarURL,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
	}, true
}

func (s *Session) cachePeer(channelID string, peer peerIdentity) {
	s.peerCacheMu.Lock()
	defer s.peerCacheMu.Unlock()
	s.peerCache[channelID] = peer
}

func (s *Session) resolvePeer(channelID string) (peerIdentity, bool) {
	s.peerCacheMu.Lock()
	cached, ok := s.peerCache[channelID]
	s.peerCacheMu.Unlock()
	if ok {
		return cached, true
	}

	channel, err := s.conn.Channel(channelID)
	if err != nil {
		s.logger.Warn(
			"error fetching channel",
			tint.Err(err),
			"channel_id", channelID,
		)
		return peerIdentity{}, false
	}
	peer, ok := channelPeer(channel, s.SelfID())
	if !ok {
		return peerIdentity{}, false
	}
	s.cachePeer(channelID, peer)
	return peer, true
}

// channelPeer returns the non-self recipient of a DM channel.
func channelPeer(channel *discordgo.Channel, selfID string) (peerIdentity, bool) {
	if channel == nil || channel.Type != discordgo.ChannelTypeDM {
		return peerIdentity{}, false
	}
	for _, recipient := range channel.Recipients {
		if recipient == nil || recipient.ID == selfID {
			continue
		}
		return peerIdentity{
			id:          recipient.ID,
			displayName: displayNameFor(recipient),
			avatarURL:   recipient.AvatarURL(""),
		}, true
	}
	return peerIdentity{}, false
}

func displayNameFor(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// pump is the single consumer of the session's inbound queue. Events
// are persisted in arrival order; duplicates (history backfill overlap,
// our own send echoed back) come out as skips from the recorder.
func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			_, skipped, err := s.recorder.Persist(ctx, ev)
			switch {
			case err != nil:
				s.logger.ErrorContext(
					ctx,
					"error persisting inbound message",
					tint.Err(err),
					columnMessageRemoteID, ev.RemoteMessageID,
				)
			case skipped:
				s.logger.DebugContext(
					ctx,
					"duplicate inbound message skipped",
					columnMessageRemoteID, ev.RemoteMessageID,
				)
			default:
				s.logger.InfoContext(
					ctx,
					"recorded inbound message",
					columnMessageRemoteID, ev.RemoteMessageID,
					columnMessagePeerID, ev.PeerID,
					"direction", string(ev.Direction()),
				)
			}
		}
	}
}

// RefreshGuilds fetches the account's guild list and replaces its
// cached rows. Called after the session reaches Ready; failures are
// logged by the caller and never fatal.
func (s *Session) RefreshGuilds(ctx context.Context, db DBI) error {
	userGuilds, err := s.conn.UserGuilds(
		100, "", "", false,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return classifyDiscordError(err)
	}

	guilds := make([]Guild, 0, len(userGuilds))
	for _, g := range userGuilds {
		if g == nil {
			continue
		}
		guilds = append(
			guilds, Guild{
				AccountID: s.accountID,
				GuildID:   g.ID,
				Name:      g.Name,
				Icon:      g.Icon,
				Owner:     g.Owner,
			},
		)
	}
	return refreshGuildCache(ctx, db, s.logger, s.accountID, guilds)
}
