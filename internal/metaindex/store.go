// Package metaindex persists MediaRecords in SQLite.
//
// Every multi-row operation runs in one transaction: if any row fails,
// the whole call fails and nothing is written.
package metaindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("metadata store closed")

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS media (
	id             INTEGER PRIMARY KEY,
	filepath       TEXT NOT NULL UNIQUE,
	thumbnail_path TEXT NOT NULL DEFAULT '',
	mtime_ns       INTEGER NOT NULL,
	filesize       INTEGER NOT NULL,
	image_width    INTEGER NOT NULL DEFAULT 0,
	image_height   INTEGER NOT NULL DEFAULT 0,
	tags           TEXT NOT NULL DEFAULT '{}'
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

const columns = `id, filepath, thumbnail_path, mtime_ns, filesize, image_width, image_height, tags`

// Store is the SQLite-backed MetaIndex.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
	closed bool
}

// Open opens or creates the database at path. An empty path opens an
// in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, scouterrors.New(scouterrors.ErrCodeDataDirUnavailable,
				fmt.Sprintf("failed to create directory for %s", path), err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, scouterrors.StoreError("failed to open metadata store", err)
	}

	// One connection: a single writer, and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, scouterrors.StoreError("failed to set pragma", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, scouterrors.StoreError("failed to initialize schema", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logger.With(slog.String("component", "metaindex")),
	}, nil
}

// Find returns the record for filepath, or nil when there is none.
func (s *Store) Find(ctx context.Context, path string) (*MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM media WHERE filepath = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, scouterrors.StoreError("failed to find record", err).WithDetail("filepath", path)
	}
	return rec, nil
}

// Get returns the record with id, or nil when there is none.
func (s *Store) Get(ctx context.Context, id uint64) (*MediaRecord, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM media WHERE id = ?`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, scouterrors.StoreError("failed to get record", err)
	}
	return rec, nil
}

// AddRecord inserts new records.
func (s *Store) AddRecord(ctx context.Context, recs ...*MediaRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if err := validate(r); err != nil {
			return err
		}
	}

	return s.withTx(ctx, "insert", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO media (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			args, err := recordArgs(r)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("record %d (%s): %w", r.ID, r.Filepath, err)
			}
		}
		return nil
	})
}

// UpdateRecord replaces the full rows matching each record's id and
// returns the number of rows changed.
func (s *Store) UpdateRecord(ctx context.Context, recs ...*MediaRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	for _, r := range recs {
		if err := validate(r); err != nil {
			return 0, err
		}
	}

	var changed int
	err := s.withTx(ctx, "update", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE media SET filepath = ?, thumbnail_path = ?, mtime_ns = ?,
			filesize = ?, image_width = ?, image_height = ?, tags = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			args, err := recordArgs(r)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx, append(args[1:], args[0])...)
			if err != nil {
				return fmt.Errorf("record %d (%s): %w", r.ID, r.Filepath, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			changed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// DeleteByID removes records and returns how many existed.
func (s *Store) DeleteByID(ctx context.Context, ids ...uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return 0, err
		}
	}

	var deleted int
	err := s.withTx(ctx, "delete", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM media WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, int64(id))
			if err != nil {
				return fmt.Errorf("record %d: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetAllFilepaths lists every record's id, path and thumbnail path.
func (s *Store) GetAllFilepaths(ctx context.Context) ([]PathEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, filepath, thumbnail_path FROM media ORDER BY id`)
	if err != nil {
		return nil, scouterrors.StoreError("failed to list records", err)
	}
	defer rows.Close()

	var out []PathEntry
	for rows.Next() {
		var e PathEntry
		var id int64
		if err := rows.Scan(&id, &e.Filepath, &e.ThumbnailPath); err != nil {
			return nil, scouterrors.StoreError("failed to scan record", err)
		}
		e.ID = uint64(id)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, scouterrors.StoreError("failed to list records", err)
	}
	return out, nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media`).Scan(&n); err != nil {
		return 0, scouterrors.StoreError("failed to count records", err)
	}
	return n, nil
}

// MaxID returns the highest record id. ok is false when the store is empty.
func (s *Store) MaxID(ctx context.Context) (id uint64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM media`).Scan(&maxID); err != nil {
		return 0, false, scouterrors.StoreError("failed to read max id", err)
	}
	if !maxID.Valid {
		return 0, false, nil
	}
	return uint64(maxID.Int64), true, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.path != "" {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("wal_checkpoint_failed", slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scouterrors.StoreError("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return scouterrors.StoreError(op+" failed", err)
	}
	if err := tx.Commit(); err != nil {
		return scouterrors.StoreError(op+" commit failed", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*MediaRecord, error) {
	var (
		r       MediaRecord
		id      int64
		mtimeNs int64
		tags    string
	)
	if err := row.Scan(&id, &r.Filepath, &r.ThumbnailPath, &mtimeNs, &r.Filesize,
		&r.ImageWidth, &r.ImageHeight, &tags); err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	r.Mtime = time.Unix(0, mtimeNs)
	if tags != "" && tags != "{}" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("tags of record %d: %w", id, err)
		}
	}
	return &r, nil
}

func recordArgs(r *MediaRecord) ([]any, error) {
	tags := "{}"
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return nil, fmt.Errorf("tags of record %d: %w", r.ID, err)
		}
		tags = string(b)
	}
	return []any{
		int64(r.ID), r.Filepath, r.ThumbnailPath, r.Mtime.UnixNano(), r.Filesize,
		r.ImageWidth, r.ImageHeight, tags,
	}, nil
}

func validate(r *MediaRecord) error {
	if r == nil {
		return scouterrors.ValidationError(scouterrors.ErrCodeInvalidRecord, "record is nil")
	}
	if strings.TrimSpace(r.Filepath) == "" {
		return scouterrors.ValidationError(scouterrors.ErrCodeInvalidRecord,
			fmt.Sprintf("record %d has no filepath", r.ID))
	}
	return checkID(r.ID)
}

// checkID rejects ids SQLite cannot store as a non-negative INTEGER.
func checkID(id uint64) error {
	if id > math.MaxInt64 {
		return scouterrors.ValidationError(scouterrors.ErrCodeInvalidRecord,
			fmt.Sprintf("id %d is not a valid record identifier", id))
	}
	return nil
}
