package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when an entry doesn't exist.
var ErrNotFound = errors.New("entry not found")

// ChainError reports the first entry whose hash or link does not verify.
type ChainError struct {
	Sequence uint64
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal chain broken at seq %d: %s", e.Sequence, e.Reason)
}

// Journal is an append-only, hash-chained event log in SQLite.
type Journal struct {
	db  *sql.DB
	now func() time.Time

	mu       sync.Mutex
	lastHash string
	lastSeq  uint64
}

// Open opens or creates a journal at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps the chain linear.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	j := &Journal{db: db, now: time.Now}
	if err := j.loadLast(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			type      TEXT NOT NULL,
			user_key  TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			data      TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_key, seq);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (j *Journal) loadLast() error {
	err := j.db.QueryRow(`SELECT seq, hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&j.lastSeq, &j.lastHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading last entry: %w", err)
	}
	return nil
}

// Append stores ev as the next entry.
func (j *Journal) Append(ctx context.Context, ev Event) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := newEntry(j.lastSeq+1, j.lastHash, ev, j.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (seq, ts, type, user_key, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Sequence, e.Timestamp.Format(time.RFC3339Nano), string(ev.Type), ev.UserKey,
		e.PrevHash, string(e.raw), e.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}
	j.lastSeq = e.Sequence
	j.lastHash = e.Hash
	return e, nil
}

// Record appends ev, discarding the entry.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	_, err := j.Append(ctx, ev)
	return err
}

// Get returns the entry with sequence seq.
func (j *Journal) Get(ctx context.Context, seq uint64) (*Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectEntries+` WHERE seq = ?`, seq)
	if err != nil {
		return nil, fmt.Errorf("querying entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// Range returns entries from start to end inclusive, in order.
func (j *Journal) Range(ctx context.Context, start, end uint64) ([]*Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectEntries+` WHERE seq >= ? AND seq <= ? ORDER BY seq`, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	return scanEntries(rows)
}

// ForUser returns the newest limit entries for user, oldest first.
func (j *Journal) ForUser(ctx context.Context, user string, limit int) ([]*Entry, error) {
	return j.tail(ctx, `WHERE user_key = ?`, []any{user}, limit)
}

// Recent returns the newest limit entries, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	return j.tail(ctx, ``, nil, limit)
}

func (j *Journal) tail(ctx context.Context, where string, args []any, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT * FROM (` + selectEntries + ` ` + where + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq`
	rows, err := j.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	return scanEntries(rows)
}

// Count returns the number of entries.
func (j *Journal) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// Verify walks the whole chain. It returns the number of entries checked
// and a *ChainError at the first entry that does not verify.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	rows, err := j.db.QueryContext(ctx, selectEntries+` ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var checked uint64
	prev := ""
	expect := FirstSequence
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return checked, err
		}
		switch {
		case e.Sequence != expect:
			return checked, &ChainError{Sequence: expect, Reason: "entry missing"}
		case e.PrevHash != prev:
			return checked, &ChainError{Sequence: e.Sequence, Reason: "previous hash mismatch"}
		case !e.Valid():
			return checked, &ChainError{Sequence: e.Sequence, Reason: "hash mismatch"}
		}
		prev = e.Hash
		expect++
		checked++
	}
	return checked, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

const selectEntries = `SELECT seq, ts, prev_hash, data, hash FROM events`

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ts, data string
	if err := rows.Scan(&e.Sequence, &ts, &e.PrevHash, &data, &e.Hash); err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	e.raw = []byte(data)
	if err := json.Unmarshal(e.raw, &e.Event); err != nil {
		return nil, fmt.Errorf("decoding entry %d: %w", e.Sequence, err)
	}
	return &e, nil
}
