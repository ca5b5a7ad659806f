package keisan

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/keisan/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of environment config.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	storageBackend  string
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	extraMigrations []fs.FS
}

// apply copies non-zero overrides into cfg.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageBackend != "" {
		cfg.StorageBackend = o.storageBackend
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
}

// WithPort overrides the TCP port from config (KEISAN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorageBackend selects "postgres" or "sqlite" (KEISAN_STORAGE_BACKEND env var).
func WithStorageBackend(backend string) Option {
	return func(o *resolvedOptions) { o.storageBackend = backend }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer;
// LISTEN requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite database path (KEISAN_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// built-in schema. Postgres only; filesystems run in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
