package tee

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/a3s-run/a3s/internal/boxerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// CertChain is the three-certificate bundle identifying one chip's TCB.
type CertChain struct {
	VCEK []byte // per-chip versioned chip endorsement key cert
	ASK  []byte // AMD SEV signing key cert
	ARK  []byte // AMD root key cert
}

// CertChainCache caches vendor KDS responses keyed by (chip ID prefix,
// TCB string), backed by modernc's pure-Go sqlite driver with schema
// managed through golang-migrate.
type CertChainCache struct {
	db *sql.DB
}

// OpenCertChainCache opens (creating if needed) the sqlite-backed cache at
// path and brings its schema up to date via embedded migrations.
func OpenCertChainCache(path string) (*CertChainCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "opening cert chain cache %q", path)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "enabling WAL mode on %q", path)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "loading embedded migrations")
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "initializing migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "constructing migrator")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "running cert chain cache migrations")
	}

	return &CertChainCache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *CertChainCache) Close() error { return c.db.Close() }

func tcbKey(tcb [4]uint8) string {
	return fmt.Sprintf("%d.%d.%d.%d", tcb[0], tcb[1], tcb[2], tcb[3])
}

// Get returns the cached chain for (chipIDPrefix, tcb), or false if absent.
func (c *CertChainCache) Get(ctx context.Context, chipIDPrefix string, tcb [4]uint8) (*CertChain, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT vcek_pem, ask_pem, ark_pem FROM cert_chain_cache WHERE chip_id_prefix = ? AND tcb = ?`,
		chipIDPrefix, tcbKey(tcb))

	var chain CertChain
	if err := row.Scan(&chain.VCEK, &chain.ASK, &chain.ARK); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, boxerr.Wrap(boxerr.KindIoError, err, "reading cert chain cache")
	}
	return &chain, true, nil
}

// Put stores chain for (chipIDPrefix, tcb), overwriting any existing entry.
func (c *CertChainCache) Put(ctx context.Context, chipIDPrefix string, tcb [4]uint8, chain *CertChain) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cert_chain_cache (chip_id_prefix, tcb, vcek_pem, ask_pem, ark_pem, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chip_id_prefix, tcb) DO UPDATE SET
		   vcek_pem = excluded.vcek_pem,
		   ask_pem = excluded.ask_pem,
		   ark_pem = excluded.ark_pem,
		   fetched_at = excluded.fetched_at`,
		chipIDPrefix, tcbKey(tcb), chain.VCEK, chain.ASK, chain.ARK, time.Now().UTC())
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing cert chain cache")
	}
	return nil
}
