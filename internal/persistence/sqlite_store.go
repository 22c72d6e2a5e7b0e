// Package persistence backs the in-memory stores with a single SQLite
// database: completed translations, queue items, and the encrypted
// secret mirror all survive restarts.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/internal/queue"
	"github.com/MimeLyc/subtitle-orchestrator/internal/secrets"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore implements cache.PersistentStore, queue.Store and
// secrets.DurableStore over one database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadCacheEntries(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT cache_key, subtitles_json, created_at, last_access_at
		 FROM cache_entries
		 ORDER BY last_access_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]cache.Entry, 0)
	for rows.Next() {
		var entry cache.Entry
		var subtitlesJSON string
		if err := rows.Scan(&entry.Key, &subtitlesJSON, &entry.CreatedAt, &entry.LastAccessAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(subtitlesJSON), &entry.Subtitles); err != nil {
			return nil, err
		}
		ret = append(ret, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, entry cache.Entry) error {
	subtitlesJSON, err := json.Marshal(entry.Subtitles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO cache_entries (cache_key, subtitles_json, created_at, last_access_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			subtitles_json=excluded.subtitles_json,
			last_access_at=excluded.last_access_at`,
		entry.Key,
		string(subtitlesJSON),
		entry.CreatedAt.UTC(),
		entry.LastAccessAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	return err
}

// DeleteStaleCacheEntries removes cache rows not read since cutoff.
// Used by the scheduled maintenance sweep.
func (s *SQLiteStore) DeleteStaleCacheEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE last_access_at <= ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) LoadQueueItems(ctx context.Context) ([]*queue.Item, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_identifier, target_language, status, priority, error, added_at, completed_at
		 FROM queue_items
		 ORDER BY added_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*queue.Item, 0)
	for rows.Next() {
		var item queue.Item
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.JobIdentifier,
			&item.TargetLanguage,
			&status,
			&item.Priority,
			&item.Error,
			&item.AddedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		item.Status = queue.Status(status)
		if completedAt.Valid {
			t := completedAt.Time
			item.CompletedAt = &t
		}
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertQueueItem(ctx context.Context, item *queue.Item) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}
	var completedAt any
	if item.CompletedAt != nil {
		completedAt = item.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO queue_items (
			id, job_identifier, target_language, status, priority, error, added_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			priority=excluded.priority,
			error=excluded.error,
			completed_at=excluded.completed_at`,
		item.ID,
		item.JobIdentifier,
		item.TargetLanguage,
		string(item.Status),
		item.Priority,
		item.Error,
		item.AddedAt.UTC(),
		completedAt,
	)
	return err
}

func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, itemID)
	return err
}

// DeleteTerminalQueueItems removes completed/failed rows finished before
// cutoff. Used by the scheduled maintenance sweep.
func (s *SQLiteStore) DeleteTerminalQueueItems(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM queue_items
		 WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at <= ?`,
		string(queue.StatusCompleted),
		string(queue.StatusFailed),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetSecret(ctx context.Context, name string) (secrets.Record, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT name, ciphertext, legacy_plaintext FROM secrets WHERE name = ?`,
		name,
	)
	var record secrets.Record
	if err := row.Scan(&record.Name, &record.Ciphertext, &record.LegacyPlaintext); err != nil {
		if err == sql.ErrNoRows {
			return secrets.Record{}, false, nil
		}
		return secrets.Record{}, false, err
	}
	return record, true, nil
}

// PutSecret overwrites the whole row, dropping any legacy plaintext.
func (s *SQLiteStore) PutSecret(ctx context.Context, name string, ciphertext string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO secrets (name, ciphertext, legacy_plaintext, updated_at)
		 VALUES (?, ?, '', ?)
		 ON CONFLICT(name) DO UPDATE SET
			ciphertext=excluded.ciphertext,
			legacy_plaintext='',
			updated_at=excluded.updated_at`,
		name,
		ciphertext,
		time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	return err
}
