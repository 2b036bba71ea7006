// Package journal keeps a local, hash-chained record of capture outcomes.
//
// The journal is an audit trail, not a queue: failed captures are recorded
// and never replayed from here. Each entry's hash covers the previous
// entry's hash, so truncation or in-place edits are detectable.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Outcome is the terminal result of one capture.
type Outcome string

const (
	OutcomeUploaded     Outcome = "uploaded"
	OutcomeSignFailed   Outcome = "sign_failed"
	OutcomeUploadFailed Outcome = "upload_failed"
)

// Record is one journal entry. Hashes are lowercase hex.
type Record struct {
	ID           string
	CreatedAt    time.Time
	MediaHash    string
	MetadataHash string
	Outcome      Outcome
	TrustScore   float64
	PrevHash     string
	EntryHash    string
}

// Journal is an append-only store over database/sql.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	j, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing database handle, running migrations.
func New(db *sql.DB) (*Journal, error) {
	j := &Journal{db: db, clock: time.Now, logger: slog.Default()}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

// WithClock overrides the clock for tests.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		media_hash TEXT NOT NULL,
		metadata_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		trust_score REAL NOT NULL DEFAULT 0,
		prev_hash TEXT NOT NULL DEFAULT '',
		entry_hash TEXT NOT NULL,
		seq INTEGER NOT NULL
	);`
	if _, err := j.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append records one capture outcome, chaining it to the previous entry.
func (j *Journal) Append(ctx context.Context, mediaHash, metadataHash [sha256.Size]byte, outcome Outcome, trustScore float64) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prevHash, seq, err := j.head(ctx)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           uuid.NewString(),
		CreatedAt:    j.clock().UTC(),
		MediaHash:    hex.EncodeToString(mediaHash[:]),
		MetadataHash: hex.EncodeToString(metadataHash[:]),
		Outcome:      outcome,
		TrustScore:   trustScore,
		PrevHash:     prevHash,
	}
	rec.EntryHash = entryHash(rec)

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO captures (id, created_at, media_hash, metadata_hash, outcome, trust_score, prev_hash, entry_hash, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.Format(time.RFC3339Nano), rec.MediaHash, rec.MetadataHash,
		string(rec.Outcome), rec.TrustScore, rec.PrevHash, rec.EntryHash, seq+1)
	if err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}

	j.logger.Debug("capture journaled", "id", rec.ID, "outcome", rec.Outcome)
	return rec, nil
}

// List returns the most recent entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, created_at, media_hash, metadata_hash, outcome, trust_score, prev_hash, entry_hash
		FROM captures ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return records, nil
}

// Verify recomputes the hash chain and fails on the first mismatch.
func (j *Journal) Verify(ctx context.Context) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, created_at, media_hash, metadata_hash, outcome, trust_score, prev_hash, entry_hash
		FROM captures ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("journal: verify: %w", err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}

		if rec.PrevHash != prev {
			return fmt.Errorf("journal: entry %s breaks the chain", rec.ID)
		}
		if entryHash(&rec) != rec.EntryHash {
			return fmt.Errorf("journal: entry %s has been altered", rec.ID)
		}
		prev = rec.EntryHash
	}
	return rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var createdAt, outcome string
	if err := rows.Scan(&rec.ID, &createdAt, &rec.MediaHash, &rec.MetadataHash,
		&outcome, &rec.TrustScore, &rec.PrevHash, &rec.EntryHash); err != nil {
		return Record{}, fmt.Errorf("journal: scan: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("journal: parse created_at: %w", err)
	}
	rec.CreatedAt = ts
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

// head returns the newest entry's hash and sequence number.
func (j *Journal) head(ctx context.Context) (string, int64, error) {
	var hash string
	var seq int64
	err := j.db.QueryRowContext(ctx,
		`SELECT entry_hash, seq FROM captures ORDER BY seq DESC LIMIT 1`).Scan(&hash, &seq)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("journal: head: %w", err)
	}
	return hash, seq, nil
}

// entryHash computes the chained digest over a fixed field composition.
func entryHash(rec *Record) string {
	payload := strings.Join([]string{
		rec.ID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.MediaHash,
		rec.MetadataHash,
		string(rec.Outcome),
		strconv.FormatFloat(rec.TrustScore, 'g', -1, 64),
		rec.PrevHash,
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
