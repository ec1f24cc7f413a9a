// Package leasedb mirrors live claim leases to sqlite so a restarted server
// can recover (or deliberately expire) them. Writes go through a single writer
// goroutine; the engine loop never blocks on the database.
package leasedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"voxelswarm.ai/internal/sim/claim"
	"voxelswarm.ai/internal/sim/tasks"
)

type DB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqPut reqKind = iota + 1
	reqDelete
)

type req struct {
	kind   reqKind
	claim  claim.Claim
	key    string
	holder string
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{
		db: db,
		ch: make(chan req, 65536),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy lease churn; the table stays tiny.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leases (
			key TEXT NOT NULL,
			holder TEXT NOT NULL,
			mode TEXT NOT NULL,
			action_id TEXT NOT NULL,
			acquired_tick INTEGER NOT NULL,
			expiry_tick INTEGER NOT NULL,
			PRIMARY KEY (key, holder)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leases_holder ON leases(holder);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

// Put mirrors one live lease. Non-blocking; the in-memory claim map stays the
// source of truth if the writer falls behind.
func (d *DB) Put(c claim.Claim) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- req{kind: reqPut, claim: c}:
	default:
	}
}

// Delete mirrors one lease release.
func (d *DB) Delete(key, holder string) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- req{kind: reqDelete, key: key, holder: holder}:
	default:
	}
}

func (d *DB) loop() {
	for r := range d.ch {
		switch r.kind {
		case reqPut:
			c := r.claim
			_, _ = d.db.Exec(
				`INSERT INTO leases(key, holder, mode, action_id, acquired_tick, expiry_tick)
				 VALUES(?,?,?,?,?,?)
				 ON CONFLICT(key, holder) DO UPDATE SET
					mode=excluded.mode,
					action_id=excluded.action_id,
					acquired_tick=excluded.acquired_tick,
					expiry_tick=excluded.expiry_tick;`,
				c.Key, c.Holder, string(c.Mode), c.ActionID, int64(c.AcquiredTick), int64(c.ExpiryTick))
		case reqDelete:
			_, _ = d.db.Exec(`DELETE FROM leases WHERE key=? AND holder=?;`, r.key, r.holder)
		}
	}
}

// Load returns every persisted lease, ordered by key then holder. Used with
// the "resume" cold-start policy.
func (d *DB) Load() ([]claim.Claim, error) {
	rows, err := d.db.Query(`SELECT key, holder, mode, action_id, acquired_tick, expiry_tick FROM leases ORDER BY key, holder;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []claim.Claim
	for rows.Next() {
		var c claim.Claim
		var mode string
		var acquired, expiry int64
		if err := rows.Scan(&c.Key, &c.Holder, &mode, &c.ActionID, &acquired, &expiry); err != nil {
			return nil, err
		}
		c.Mode = tasks.ClaimMode(mode)
		c.AcquiredTick = uint64(acquired)
		c.ExpiryTick = uint64(expiry)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExpireAll wipes every persisted lease. Used with the "expire" cold-start
// policy: previous holders are gone, so their leases must not survive.
func (d *DB) ExpireAll() error {
	_, err := d.db.Exec(`DELETE FROM leases;`)
	return err
}
