package dmcrm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

// ChatConn defines the subset of `discordgo.Session` methods used by a
// single account session, to enable testing/mocking. [discordConn]
// implements it against the real gateway/REST API.
type ChatConn interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	// SelfUser returns the authenticated user once the gateway has
	// confirmed identity, or nil before that
	SelfUser() *discordgo.User

	// UserChannelCreate resolves (or creates) the DM channel for the
	// given recipient
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UserChannels lists the DM channels visible to this account
	UserChannels(options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	// Channel fetches a single channel by ID
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelMessages fetches a page of messages for a channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessageSendWithNonce sends a message into a channel,
	// carrying the given client nonce
	ChannelMessageSendWithNonce(
		channelID string,
		content string,
		nonce string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserGuilds lists the guilds the account belongs to
	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	// SetHTTPClient sets the HTTP client for the underlying session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the underlying session's log level
	SetLogLevel(lvl slog.Level) error
}

// connFactory builds a ChatConn for an account token. Swapped out in
// tests for a mock.
type connFactory func(token string, config *DiscordConfig) (ChatConn, error)

// newDiscordConn is the production connFactory. The token is used
// as-is: these are account (user) tokens, not bot tokens, so no "Bot "
// prefix is applied.
func newDiscordConn(token string, config *DiscordConfig) (ChatConn, error) {
	conn := discordConn{
		logger: slog.Default().With(loggerNameKey, "discord_conn"),
	}
	disc, err := discordgo.New(token)
	if err != nil {
		return conn, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuilds
	conn.session = disc
	if config.httpClient != nil {
		disc.Client = config.httpClient
	}

	if err = conn.SetLogLevel(config.DiscordGoLogLevel.Level()); err != nil {
		return conn, err
	}

	return conn, nil
}

// discordConn implements ChatConn, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type discordConn struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d discordConn) Open() error {
	return d.session.Open()
}

func (d discordConn) Close() error {
	return d.session.Close()
}

func (d discordConn) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d discordConn) SelfUser() *discordgo.User {
	if d.session.State == nil {
		return nil
	}
	return d.session.State.User
}

func (d discordConn) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.UserChannelCreate(recipientID, options...)
	if err != nil {
		d.logger.Error(
			"error resolving DM channel",
			tint.Err(err),
			"recipient_id", recipientID,
		)
	}
	return ch, err
}

// UserChannels lists the account's DM channels. discordgo has no
// helper for this endpoint, so the request goes through the REST layer
// directly.
func (d discordConn) UserChannels(
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	body, err := d.session.RequestWithBucketID(
		http.MethodGet,
		discordgo.EndpointUserChannels("@me"),
		nil,
		discordgo.EndpointUserChannels(""),
		options...,
	)
	if err != nil {
		return nil, err
	}
	var channels []*discordgo.Channel
	if err = json.Unmarshal(body, &channels); err != nil {
		return nil, fmt.Errorf("error decoding channel list: %w", err)
	}
	return channels, nil
}

func (d discordConn) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d discordConn) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		afterID,
		aroundID,
		options...,
	)
}

// ChannelMessageSendWithNonce posts a message with a client nonce.
// discordgo.MessageSend has no nonce field, so the payload is assembled
// here and posted through the REST layer directly.
func (d discordConn) ChannelMessageSendWithNonce(
	channelID string,
	content string,
	nonce string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	payload := struct {
		Content string `json:"content"`
		Nonce   string `json:"nonce,omitempty"`
	}{Content: content, Nonce: nonce}

	endpoint := discordgo.EndpointChannelMessages(channelID)
	body, err := d.session.RequestWithBucketID(
		http.MethodPost,
		endpoint,
		payload,
		endpoint,
		options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil, err
	}
	var msg discordgo.Message
	if err = json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("error decoding sent message: %w", err)
	}
	return &msg, nil
}

func (d discordConn) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d discordConn) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d discordConn) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// classifyDiscordError maps a discordgo error into the app's error
// taxonomy. 401/403 means the token was rejected (fatal for the
// session); 429 means back off; anything else is treated as transient.
// A rejected token at gateway open doesn't surface as a RESTError but
// as a websocket close, so those close codes are mapped too.
func classifyDiscordError(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %s", ErrRateLimited, rateErr.Message)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		// 4004 authentication failed, 4013 invalid intents,
		// 4014 disallowed intents
		switch closeErr.Code {
		case 4004, 4013, 4014:
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrTransientSend, err)
}
