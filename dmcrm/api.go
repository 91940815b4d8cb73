package dmcrm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin    = "/login"
	apiPathLogout   = "/logout"
	apiPathLoggedIn = "/logged_in"
	apiHealthCheck  = "/healthz"

	apiPathStatus        = "/status"
	apiPathQuit          = "/quit"
	apiPathAccounts      = "/accounts"
	apiPathAccount       = "/account/:id"
	apiPathSend          = "/account/:id/send"
	apiPathMessages      = "/account/:id/messages"
	apiPathConversations = "/account/:id/conversations"
	apiPathGuilds        = "/account/:id/guilds"
)

const (
	sessionVarName  = "user"
	sessionVarField = "username"

	defaultMessagePageLimit = 100
	maxMessagePageLimit     = 500
)

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

// Sort is a query-string sort direction ("asc" or "desc")
type Sort = string

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API provides the backend dashboard server: login/session management,
// the account roster, the message archive and the controlled send path.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server: gin engine, cookie session store,
// TLS, middleware and routes. The server isn't started until Serve is
// called.
func newAPI(d *DMCRM, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	if config.SSL.Cert != "" && config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		api.httpServer = &http.Server{TLSConfig: tlsCfg}
	} else {
		api.httpServer = &http.Server{}
	}

	api.httpServer.Addr = config.Listen
	api.httpServer.Handler = r
	api.httpServer.WriteTimeout = config.WriteTimeout
	api.httpServer.IdleTimeout = config.IdleTimeout
	api.httpServer.ReadTimeout = config.ReadTimeout
	api.httpServer.ReadHeaderTimeout = config.ReadHeaderTimeout
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.EnablePprof {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathStatus, apiHandlers.getStatus)
	protected.GET(apiPathAccounts, apiHandlers.getAccounts)
	protected.POST(apiPathAccounts, apiHandlers.createAccount)
	protected.DELETE(apiPathAccount, apiHandlers.deleteAccount)
	protected.POST(apiPathSend, apiHandlers.sendMessage)
	protected.GET(apiPathMessages, apiHandlers.getMessages)
	protected.GET(apiPathConversations, apiHandlers.getConversations)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return e
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	d      *DMCRM
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler group and its cookie session
// store. If no API secret is configured, a random one is generated and
// sessions won't survive a restart.
func NewAPIHandlers(d *DMCRM) *APIHandlers {
	logger := d.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := d.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if d.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type healthCheckResponse struct {
	TotalBots  int  `json:"totalBots"`
	ActiveBots int  `json:"activeBots"`
	Ready      bool `json:"ready"`
}

type accountCreateRequest struct {
	ID          string `json:"id" binding:"required"`
	Token       string `json:"token" binding:"required"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type sendMessageRequest struct {
	PeerID  string `json:"peer_id" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
	PeerID    string `json:"peer_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// loginHandler validates the dashboard login against the configured
// admin credentials and creates a new cookie session. Attempts are
// rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	apiConfig := h.d.config.API
	if apiConfig.AdminUsername == "" || apiConfig.AdminPasswordHash == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != apiConfig.AdminUsername {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := verifyPassword(apiConfig.AdminPasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.d.api.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.d.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)
	if err != nil || username == "" {
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{}
	if manager := h.d.manager; manager != nil {
		status := manager.Status()
		rv.TotalBots = status.TotalBots
		rv.ActiveBots = len(status.ActiveBots)
		rv.Ready = true
	}
	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) getStatus(c *gin.Context) {
	manager := h.d.manager
	if manager == nil {
		ginReplyError(c, "not ready")
		return
	}
	c.JSON(http.StatusOK, manager.Status())
}

func (h *APIHandlers) getAccounts(c *gin.Context) {
	accounts, err := h.d.writeDB.LoadAccounts(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error loading accounts", tint.Err(err))
		ginReplyError(c, "error loading accounts")
		return
	}
	c.JSON(http.StatusOK, accounts)
}

// createAccount persists a new managed account and emits the change
// feed notification that starts its session.
func (h *APIHandlers) createAccount(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload accountCreateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	account := Account{
		ID:          payload.ID,
		Token:       payload.Token,
		DisplayName: payload.DisplayName,
		AvatarURL:   payload.AvatarURL,
	}
	if _, err := h.d.writeDB.Create(ctx, &account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(
				http.StatusConflict,
				httpError{Error: "account already exists"},
			)
			return
		}
		logger.Error(
			"error creating account",
			tint.Err(err),
			"account", account,
		)
		ginReplyError(c, "error creating account")
		return
	}
	logger.Info("created account", "account", account)

	if !h.d.notifier.AccountAdded(ctx, account.ID) {
		logger.Warn(
			"account added notification not sent",
			"account_id", account.ID,
		)
	}
	c.JSON(http.StatusCreated, account)
}

// deleteAccount removes an account. Messages and cached guilds go with
// it via cascade, and the change feed notification stops the session.
func (h *APIHandlers) deleteAccount(c *gin.Context) {
	logger := ginContextLogger(c)
	accountID := c.Param("id")

	ctx := c.Request.Context()
	account, err := h.d.writeDB.GetAccount(ctx, accountID)
	if err != nil {
		logger.Error("error getting account", tint.Err(err))
		ginReplyError(c, "error getting account")
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "account not found"})
		return
	}

	if _, err = h.d.writeDB.Delete(account); err != nil {
		logger.Error(
			"error deleting account",
			tint.Err(err),
			"account", account,
		)
		ginReplyError(c, "error deleting account")
		return
	}
	logger.Info("deleted account", "account", account)

	if !h.d.notifier.AccountRemoved(ctx, accountID) {
		logger.Warn(
			"account removed notification not sent",
			"account_id", accountID,
		)
	}
	ginReplyMessage(c, "account deleted")
}

// sendMessage routes an outbound DM through the account's live
// session. Error translation: no session registered is a 404, rate
// limiting a 429, a rejected token a 502, anything transient a 503.
func (h *APIHandlers) sendMessage(c *gin.Context) {
	logger := ginContextLogger(c)
	accountID := c.Param("id")

	var payload sendMessageRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	sent, err := h.d.manager.SendMessage(
		c.Request.Context(),
		accountID,
		payload.PeerID,
		payload.Content,
	)
	if err != nil {
		logger.Warn(
			"send failed",
			tint.Err(err),
			"account_id", accountID,
			"peer_id", payload.PeerID,
		)
		c.JSON(sendErrorStatus(err), httpError{Error: err.Error()})
		return
	}

	c.JSON(
		http.StatusOK, sendMessageResponse{
			MessageID: sent.MessageID,
			PeerID:    sent.PeerID,
			ChannelID: sent.ChannelID,
			Content:   sent.Content,
			Timestamp: sent.Timestamp.UTC().UnixMilli(),
		},
	)
}

// sendErrorStatus maps the send path's error taxonomy onto HTTP
// status codes.
func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrAuthFailed):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// getMessages returns the archived messages for an account, newest
// first by default, optionally filtered to a single peer.
func (h *APIHandlers) getMessages(c *gin.Context) {
	accountID := c.Param("id")

	limit := defaultMessagePageLimit
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
			return
		}
		limit = min(parsed, maxMessagePageLimit)
	}

	order := "timestamp desc, id desc"
	if c.DefaultQuery("sort", Descending) == Ascending {
		order = "timestamp asc, id asc"
	}

	query := h.d.db.WithContext(c.Request.Context()).Where(
		"account_id = ?", accountID,
	)
	if peerID := c.Query("peer_id"); peerID != "" {
		query = query.Where("peer_id = ?", peerID)
	}

	var messages []Message
	if err := query.Order(order).Limit(limit).Find(&messages).Error; err != nil {
		ginContextLogger(c).Error("error querying messages", tint.Err(err))
		ginReplyError(c, "error querying messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

// getConversations returns one entry per peer the account has DM
// history with, most recently active first. Derived by query on each
// request.
func (h *APIHandlers) getConversations(c *gin.Context) {
	logger := ginContextLogger(c)
	accountID := c.Param("id")
	ctx := c.Request.Context()

	type peerRow struct {
		PeerID        string
		MessageCount  int64
		LastTimestamp int64
	}
	var peers []peerRow
	err := h.d.db.WithContext(ctx).Model(&Message{}).
		Select(
			"peer_id, count(*) as message_count, "+
				"max(timestamp) as last_timestamp",
		).
		Where("account_id = ?", accountID).
		Group("peer_id").
		Order("last_timestamp desc").
		Scan(&peers).Error
	if err != nil {
		logger.Error("error querying conversations", tint.Err(err))
		ginReplyError(c, "error querying conversations")
		return
	}

	conversations := make([]Conversation, 0, len(peers))
	for _, peer := range peers {
		var last Message
		err = h.d.db.WithContext(ctx).
			Where("account_id = ? AND peer_id = ?", accountID, peer.PeerID).
			Order("timestamp desc, id desc").
			First(&last).Error
		if err != nil {
			logger.Error(
				"error loading last message",
				tint.Err(err),
				"peer_id", peer.PeerID,
			)
			continue
		}
		conversations = append(
			conversations, Conversation{
				AccountID:       accountID,
				PeerID:          peer.PeerID,
				PeerDisplayName: last.PeerDisplayName,
				PeerAvatarURL:   last.PeerAvatarURL,
				LastMessage:     last,
				MessageCount:    peer.MessageCount,
			},
		)
	}
	c.JSON(http.StatusOK, conversations)
}

// getGuilds returns the cached guild memberships for an account. The
// cache is refreshed whenever the account's session reaches Ready.
func (h *APIHandlers) getGuilds(c *gin.Context) {
	accountID := c.Param("id")

	var guilds []Guild
	err := h.d.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		Order("name asc").
		Find(&guilds).Error
	if err != nil {
		ginContextLogger(c).Error("error querying guilds", tint.Err(err))
		ginReplyError(c, "error querying guilds")
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("received quit request")
	select {
	case h.d.signalStop <- struct{}{}:
	default:
	}
	ginReplyMessage(c, "shutting down")
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok {
		return "", errors.New("username not a string")
	}
	return s, nil
}

func authMiddleware(d *DMCRM) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := d.logger
		if logger == nil {
			logger = slog.Default()
		}

		session, err := d.api.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, for tracking and logging.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included, and sets it in the context so the next call returns the
// same logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration, response
// status and any accumulated gin errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
