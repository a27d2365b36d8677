package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// SQLiteProvider implements Database on a local SQLite file.
type SQLiteProvider struct {
	db     *sql.DB
	path   string
	sealer sealer
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "sunwaysbridge.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLiteProvider returns a provider for the database at path encrypting
// credentials with key. Init must be called before use.
func NewSQLiteProvider(path, key string) *SQLiteProvider {
	return &SQLiteProvider{path: path, sealer: sealer{key: key}}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	if len(s.sealer.key) != 32 {
		return errors.New("credentials-encryption-key must be 32 bytes")
	}
	return nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to open sqlite database %s: %w", s.path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to set WAL mode", slog.Any("error", err))
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			credentials BLOB,
			updated INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create entries table: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteProvider) GetEntry(ctx context.Context, id string) (types.Entry, error) {
	var jsonStr string
	var encrypted []byte
	err := s.db.QueryRowContext(ctx, "SELECT json, credentials FROM entries WHERE id = ?", id).Scan(&jsonStr, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to fetch entry %s: %w", id, err)
	}
	entry, err := s.sealer.openEntry(ctx, jsonStr, encrypted)
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	return entry, nil
}

func (s *SQLiteProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, json, credentials FROM entries ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []types.Entry
	for rows.Next() {
		var id, jsonStr string
		var encrypted []byte
		if err := rows.Scan(&id, &jsonStr, &encrypted); err != nil {
			return nil, fmt.Errorf("error iterating entries: %w", err)
		}
		entry, err := s.sealer.openEntry(ctx, jsonStr, encrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

func (s *SQLiteProvider) SaveEntry(ctx context.Context, entry types.Entry) error {
	if entry.ID == "" {
		return errors.New("entry id cannot be empty")
	}
	jsonStr, encrypted, err := s.sealer.sealEntry(ctx, entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, json, credentials, updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json, credentials = excluded.credentials, updated = excluded.updated
	`, entry.ID, jsonStr, encrypted, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLiteProvider) DeleteEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	return nil
}
