package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Provisioner creates and drops the database behind an environment.
type Provisioner interface {
	Create(ctx context.Context, envID string) (ConnectionInfo, *sql.DB, error)
	Drop(ctx context.Context, info ConnectionInfo) error
}

// SQLiteProvisioner keeps each environment in its own database file.
type SQLiteProvisioner struct {
	// Dir holds the files; empty uses the system temp dir.
	Dir string
	// Fs removes the files on Drop; nil uses the OS filesystem.
	Fs afero.Fs
}

func (p *SQLiteProvisioner) fs() afero.Fs {
	if p.Fs == nil {
		return afero.NewOsFs()
	}
	return p.Fs
}

// Create opens a fresh database file named after envID.
func (p *SQLiteProvisioner) Create(ctx context.Context, envID string) (ConnectionInfo, *sql.DB, error) {
	dir := p.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := p.fs().MkdirAll(dir, 0o755); err != nil {
		return ConnectionInfo{}, nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	path := filepath.Join(dir, "schemaguard_staging_"+safeName(envID)+".db")
	if exists, _ := afero.Exists(p.fs(), path); exists {
		return ConnectionInfo{}, nil, fmt.Errorf("staging database %s already exists", path)
	}
	info := ConnectionInfo{
		Provider: introspect.ProviderSQLite,
		DSN:      fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path),
		Database: path,
	}
	db, err := sql.Open("sqlite3", info.DSN)
	if err != nil {
		return ConnectionInfo{}, nil, fmt.Errorf("failed to open staging database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return ConnectionInfo{}, nil, fmt.Errorf("failed to ping staging database: %w", err)
	}
	return info, db, nil
}

// Drop removes the database file and its journals.
func (p *SQLiteProvisioner) Drop(_ context.Context, info ConnectionInfo) error {
	var errs []error
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := p.fs().Remove(info.Database + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShadowProvisioner creates a sibling database on the same Postgres or
// MySQL server as the source: <source>_staging_<id>.
type ShadowProvisioner struct {
	Provider string
	// SourceDSN is the connection string of the source database.
	SourceDSN string
}

// NewShadowProvisioner validates provider.
func NewShadowProvisioner(provider, sourceDSN string) (*ShadowProvisioner, error) {
	switch introspect.NormalizeProvider(provider) {
	case introspect.ProviderPostgres, introspect.ProviderMySQL:
	default:
		return nil, fmt.Errorf("shadow staging needs postgres or mysql, got %s", provider)
	}
	return &ShadowProvisioner{Provider: introspect.NormalizeProvider(provider), SourceDSN: sourceDSN}, nil
}

// Create runs CREATE DATABASE through an admin connection and connects
// to the new database.
func (p *ShadowProvisioner) Create(ctx context.Context, envID string) (ConnectionInfo, *sql.DB, error) {
	name := stagingDatabaseName(databaseName(p.SourceDSN), envID)
	info := ConnectionInfo{Provider: p.Provider, DSN: withDatabase(p.SourceDSN, name), Database: name}

	if err := p.admin(ctx, fmt.Sprintf("CREATE DATABASE %s", p.quote(name))); err != nil {
		return ConnectionInfo{}, nil, fmt.Errorf("failed to create staging database: %w", err)
	}
	db, err := sql.Open(introspect.DriverName(p.Provider), info.DSN)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		_ = p.Drop(context.WithoutCancel(ctx), info)
		return ConnectionInfo{}, nil, fmt.Errorf("failed to connect to staging database: %w", err)
	}
	return info, db, nil
}

// Drop removes the staging database.
func (p *ShadowProvisioner) Drop(ctx context.Context, info ConnectionInfo) error {
	return p.admin(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", p.quote(info.Database)))
}

// admin runs stmt on the server's maintenance database: "postgres" for
// Postgres, no database for MySQL.
func (p *ShadowProvisioner) admin(ctx context.Context, stmt string) error {
	dsn := withDatabase(p.SourceDSN, "")
	if p.Provider == introspect.ProviderPostgres {
		dsn = withDatabase(p.SourceDSN, "postgres")
	}
	db, err := sql.Open(introspect.DriverName(p.Provider), dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, stmt)
	return err
}

func (p *ShadowProvisioner) quote(name string) string {
	if p.Provider == introspect.ProviderMySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func safeName(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// stagingDatabaseName keeps the name within the 63 byte identifier limit
// of Postgres.
func stagingDatabaseName(source, envID string) string {
	id := safeName(envID)
	if len(id) > 12 {
		id = id[:12]
	}
	if source == "" {
		source = "schemaguard"
	}
	name := safeName(source) + "_staging_" + id
	if len(name) > 63 {
		name = name[len(name)-63:]
	}
	return strings.ToLower(name)
}

// databaseName extracts the database from a URL or MySQL DSN: the path
// segment after the last slash, without query parameters.
func databaseName(dsn string) string {
	i := strings.LastIndex(dsn, "/")
	if i < 0 {
		return ""
	}
	name := dsn[i+1:]
	if q := strings.Index(name, "?"); q >= 0 {
		name = name[:q]
	}
	return name
}

// withDatabase swaps the database in dsn, keeping query parameters.
func withDatabase(dsn, name string) string {
	i := strings.LastIndex(dsn, "/")
	if i < 0 {
		return dsn
	}
	rest := dsn[i+1:]
	query := ""
	if q := strings.Index(rest, "?"); q >= 0 {
		query = rest[q:]
	}
	return dsn[:i+1] + name + query
}
