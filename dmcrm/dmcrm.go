package dmcrm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/LucienOnCrack/discord-dm-crm/dmcrm.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// DMCRM is the main application struct: it wires the account store,
// the session manager/registry, the change feed, and the dashboard API
// together, and owns startup/shutdown.
type DMCRM struct {
	config *Config

	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes go through a mutex.
	writeDB DBI

	// Standard logger. Missing loggers fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	recorder *MessageRecorder
	importer *HistoryImporter
	manager  *SessionManager
	feed     *ChangeFeedListener
	notifier AccountNotifier

	// Provides the back-end dashboard API
	api *API

	// accountAddedCh/accountRemovedCh carry the account change feed:
	// the notifier produces onto them, the feed listener consumes
	accountAddedCh   chan string
	accountRemovedCh chan string

	// signalStop enables an explicit stop signal to be sent to the
	// app, such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing: DB migrated, existing sessions started, API
	// serving, change feed listening
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// newConn is the connection factory handed to the session
	// manager. Overridden in tests.
	newConn connFactory
}

// New creates and initializes a new DMCRM instance. Run must be called
// on the result to start everything.
func New(config *Config) (*DMCRM, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DMCRM{
		config:           config,
		signalReady:      make(chan struct{}, 1),
		eventShutdown:    make(chan struct{}, 1),
		signalStop:       make(chan struct{}, 1),
		accountAddedCh:   make(chan string, 1),
		accountRemovedCh: make(chan string, 1),
		newConn:          newDiscordConn,
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)

	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	api, err := newAPI(d, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	d.api = api

	return d, errors.Join(errs...)
}

func (d *DMCRM) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Run starts the app and blocks until ctx is cancelled or a stop
// signal arrives. Initialization order: database, recorder/importer,
// session manager (starting a session per existing account - failures
// are isolated per account), change feed, API server.
func (d *DMCRM) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()

	if err := d.ValidateConfig(); err != nil {
		d.logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, d.logger)

	startupCtx, startupCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startupCancel()

	db, err := CreateDB(startupCtx, d.config.DatabaseType, d.config.Database)
	if err != nil {
		return err
	}
	d.db = db
	d.writeDB = NewDatabase(
		db,
		d.logger,
		d.config.DatabaseType == dbTypePostgres,
	)

	discordLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	)

	d.recorder = NewMessageRecorder(d.writeDB, d.logger)
	d.importer = NewHistoryImporter(
		d.recorder,
		d.config.Discord.HistoryPageSize,
		discordLogger,
	)
	d.manager = NewSessionManager(
		d.writeDB,
		d.recorder,
		d.importer,
		d.config.Discord,
		d.newConn,
		discordLogger,
	)
	d.feed = NewChangeFeedListener(
		d.writeDB,
		d.manager,
		d.accountAddedCh,
		d.accountRemovedCh,
		d.logger,
	)

	notifier, err := newAccountNotifier(d)
	if err != nil {
		return err
	}
	d.notifier = notifier

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(
		func() error {
			serveErr := d.api.Serve(groupCtx)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				d.logger.Error("api server stopped", tint.Err(serveErr))
				return serveErr
			}
			return nil
		},
	)

	group.Go(
		func() error {
			return d.feed.Run(groupCtx)
		},
	)

	if d.config.DatabaseType == dbTypePostgres {
		for _, channel := range []string{
			d.notifier.AccountAddedChannelName(),
			d.notifier.AccountRemovedChannelName(),
		} {
			channel := channel
			group.Go(
				func() error {
					listenErr := d.notifier.Listen(groupCtx, channel)
					if listenErr != nil &&
						!errors.Is(listenErr, context.Canceled) {
						d.logger.Error(
							"db listener stopped",
							tint.Err(listenErr),
							"channel", channel,
						)
						return listenErr
					}
					return nil
				},
			)
		}
	}

	if err = d.manager.LoadAndStart(runCtx); err != nil {
		d.logger.Error("error starting existing sessions", tint.Err(err))
	}

	d.logger.Info(
		"startup complete",
		"version", Version,
		"sessions", d.manager.Status().TotalBots,
	)
	select {
	case d.signalReady <- struct{}{}:
	default:
	}

	select {
	case <-groupCtx.Done():
		d.logger.Info("context cancelled, shutting down")
	case <-d.signalStop:
		d.logger.Info("received stop signal, shutting down")
	}
	runCancel()

	d.shutdown()
	if err = group.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Manager returns the session manager. The API layer routes sends and
// status queries through this.
func (d *DMCRM) Manager() *SessionManager {
	return d.manager
}

func (d *DMCRM) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		d.config.ShutdownTimeout,
	)
	defer cancel()

	if d.manager != nil {
		d.manager.StopAll()
	}

	if d.api != nil {
		if err := d.api.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("error shutting down api server", tint.Err(err))
		}
	}

	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				d.logger.Warn("error closing database", tint.Err(closeErr))
			}
		}
	}

	select {
	case d.eventShutdown <- struct{}{}:
	default:
	}
	d.logger.Info("shutdown complete")
}
