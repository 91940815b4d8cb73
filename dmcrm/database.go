package dmcrm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                      = "sqlite"
	dbTypePostgres                    = "postgres"
	postgresNotifyChannelAccountAdded = "dmcrm_account_added"
	postgresNotifyChannelAccountGone  = "dmcrm_account_removed"
	recordSeparator                   = string(rune(30))
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update. Deletes are hard deletes: account removal must
// actually cascade to messages and cached guilds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps the GORM connection. When using SQLite, writes are
// serialized through a mutex; Postgres handles concurrent writers itself.
// It implements DBI, which exists to enable mocking in tests.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps the given GORM connection. enableConcurrentWrites
// should be true for Postgres and false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// LoadAccounts returns every account in the store, oldest first. Used
// by the session manager to seed the registry at startup.
func (d *database) LoadAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := d.db.WithContext(ctx).Order("created_at asc").Find(&accounts).Error
	return accounts, err
}

// GetAccount returns the account with the given ID, or nil if no such
// row exists.
func (d *database) GetAccount(ctx context.Context, accountID string) (
	*Account,
	error,
) {
	var account Account
	err := d.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Transaction(fc, opts...)
	return rv
}

func (d *database) Delete(
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database operations. This is here
// primarily to enable mocking for testing; [database] implements it for
// 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	LoadAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type ('sqlite' or 'postgres'), and runs
// auto-migration for all models.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger, ok := ContextLogger(ctx)
	if !ok || dbLogger == nil {
		dbLogger = slog.New(handler)
	}

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Account{},
		&Message{},
		&Guild{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		// foreign key enforcement is per-connection in sqlite, so it
		// has to ride the DSN rather than a one-off pragma exec
		if !strings.Contains(database, "_foreign_keys") {
			if strings.Contains(database, "?") {
				database += "&_foreign_keys=on"
			} else {
				database += "?_foreign_keys=on"
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// AccountNotifier is the change feed for the account store: it announces
// account INSERTs and DELETEs so the session registry can react without
// polling. For SQLite everything is in-process, so notifications go
// straight onto the app's feed channels. For Postgres, LISTEN/NOTIFY is
// used so other instances (or psql inserts) are picked up too.
type AccountNotifier interface {
	AccountAddedChannelName() string
	AccountRemovedChannelName() string

	// AccountAdded announces that the given account row was inserted
	AccountAdded(ctx context.Context, accountID string) bool

	// AccountRemoved announces that the given account row was deleted
	AccountRemoved(ctx context.Context, accountID string) bool

	// ID returns the identifier for this notifier. Instances use it to
	// filter out their own LISTEN/NOTIFY traffic (local delivery
	// already happened directly).
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newAccountNotifier(d *DMCRM) (AccountNotifier, error) {
	notifyID := newNotifierID()
	log := d.logger.With(loggerNameKey, "account_notifier")
	var notifier AccountNotifier
	switch d.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteAccountNotifier{
			logger:   log,
			d:        d,
			notifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresAccountNotifier{
			d:        d,
			logger:   log,
			notifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteAccountNotifier struct {
	logger   *slog.Logger
	d        *DMCRM
	notifyID string
}

func (s *sqliteAccountNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteAccountNotifier) AccountAddedChannelName() string {
	return ""
}

func (sqliteAccountNotifier) AccountRemovedChannelName() string {
	return ""
}

func (s *sqliteAccountNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteAccountNotifier) AccountAdded(
	ctx context.Context,
	accountID string,
) bool {
	s.logger.Info("announcing account added", "account_id", accountID)
	select {
	case s.d.accountAddedCh <- accountID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout announcing account added", "account_id", accountID)
		return false
	}
	return true
}

func (s *sqliteAccountNotifier) AccountRemoved(
	ctx context.Context,
	accountID string,
) bool {
	s.logger.Info("announcing account removed", "account_id", accountID)
	select {
	case s.d.accountRemovedCh <- accountID:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout announcing account removed", "account_id", accountID)
		return false
	}
	return true
}

type postgresAccountNotifier struct {
	d        *DMCRM
	logger   *slog.Logger
	notifyID string
}

func (postgresAccountNotifier) AccountAddedChannelName() string {
	return postgresNotifyChannelAccountAdded
}

func (postgresAccountNotifier) AccountRemovedChannelName() string {
	return postgresNotifyChannelAccountGone
}

func (p *postgresAccountNotifier) ID() string {
	return p.notifyID
}

func (p *postgresAccountNotifier) AccountAdded(
	ctx context.Context,
	accountID string,
) bool {
	return p.notify(
		ctx,
		p.AccountAddedChannelName(),
		accountID,
		p.d.accountAddedCh,
	)
}

func (p *postgresAccountNotifier) AccountRemoved(
	ctx context.Context,
	accountID string,
) bool {
	return p.notify(
		ctx,
		p.AccountRemovedChannelName(),
		accountID,
		p.d.accountRemovedCh,
	)
}

// notify sends NOTIFY for other instances, and delivers to the local
// feed channel directly (the Listen loop filters our own payloads).
func (p *postgresAccountNotifier) notify(
	ctx context.Context,
	channel string,
	accountID string,
	localCh chan<- string,
) bool {
	var sent bool

	msg := newAccountNotificationMessage(p.ID(), accountID)
	notifyErr := p.d.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		msg,
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for account change",
			tint.Err(notifyErr),
			"account_id", accountID,
			"channel", channel,
		)
	} else {
		p.logger.Info(
			"sent account change notification",
			"pg_notify_id", p.ID(),
			"account_id", accountID,
			"channel", channel,
		)
		sent = true
	}

	select {
	case localCh <- accountID:
	//
	case <-ctx.Done():
		p.logger.Warn(
			"timeout delivering local account change",
			"account_id", accountID,
		)
	}

	return sent
}

func (p *postgresAccountNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.d.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		notifierID, accountID := parseAccountNotification(notification.Payload)
		if notifierID == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}
		if accountID == "" {
			logger.Warn(
				"Received malformed account notification",
				"payload", notification.Payload,
			)
			continue
		}

		switch channel {
		case p.AccountAddedChannelName():
			select {
			case p.d.accountAddedCh <- accountID:
				logger.Info("forwarded account added", "account_id", accountID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn(
					"timed out forwarding account added",
					"account_id", accountID,
				)
			}
		case p.AccountRemovedChannelName():
			select {
			case p.d.accountRemovedCh <- accountID:
				logger.Info("forwarded account removed", "account_id", accountID)
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn(
					"timed out forwarding account removed",
					"account_id", accountID,
				)
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func parseAccountNotification(s string) (notifierID, accountID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newAccountNotificationMessage(notifierID string, accountID string) string {
	return strings.Join([]string{notifierID, accountID}, recordSeparator)
}
