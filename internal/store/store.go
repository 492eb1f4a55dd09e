// Package store persists voice model metadata and generation records in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS voice_models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS seed_sounds (
		id TEXT PRIMARY KEY,
		bucket_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS voice_model_seed_sounds (
		voice_model_id TEXT NOT NULL,
		seed_sound_id TEXT NOT NULL,
		PRIMARY KEY (voice_model_id, seed_sound_id),
		FOREIGN KEY (voice_model_id) REFERENCES voice_models(id) ON DELETE CASCADE,
		FOREIGN KEY (seed_sound_id) REFERENCES seed_sounds(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		voice_model_id TEXT NOT NULL,
		text TEXT NOT NULL,
		model_id TEXT NOT NULL,
		bucket_key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content_length INTEGER NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (voice_model_id) REFERENCES voice_models(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generations_voice_model ON generations(voice_model_id)`,
}

// Options describes parameters for opening a store.
type Options struct {
	DBPath string
}

// Store provides access to the voice metadata database.
type Store struct {
	db *sql.DB
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Generation is a stored synthesis result
type Generation struct {
	ID            string
	VoiceModelID  string
	Text          string
	ModelID       string
	BucketKey     string
	ContentType   string
	ContentLength int64
	CreatedAt     string
}

// Open opens (creating if needed) the database at opts.DBPath and applies the schema.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, errors.New("store: database path is required")
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, stmt := range append(pragmas, schemaStatements...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", firstLine(stmt), err)
		}
	}

	return &Store{db: db}, nil
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateVoiceModel inserts a voice model. Creating an existing id is a no-op.
func (s *Store) CreateVoiceModel(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_models (id, name) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, name)
	if err != nil {
		return fmt.Errorf("store: create voice model %s: %w", id, err)
	}
	return nil
}

// AddSeedSound registers an uploaded sample and returns its id. Registering
// the same bucket key twice returns the existing id.
func (s *Store) AddSeedSound(ctx context.Context, bucketKey string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seed_sounds (id, bucket_key) VALUES (?, ?) ON CONFLICT(bucket_key) DO NOTHING`, id, bucketKey)
	if err != nil {
		return "", fmt.Errorf("store: add seed sound %s: %w", bucketKey, err)
	}

	var existing string
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM seed_sounds WHERE bucket_key = ?`, bucketKey).Scan(&existing); err != nil {
		return "", fmt.Errorf("store: add seed sound %s: %w", bucketKey, err)
	}
	return existing, nil
}

// AttachSeedSound links a seed sound to a voice model.
func (s *Store) AttachSeedSound(ctx context.Context, voiceModelID, seedSoundID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_model_seed_sounds (voice_model_id, seed_sound_id) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`, voiceModelID, seedSoundID)
	if err != nil {
		return fmt.Errorf("store: attach seed sound %s to %s: %w", seedSoundID, voiceModelID, err)
	}
	return nil
}

// DetachSeedSound unlinks a seed sound from a voice model.
func (s *Store) DetachSeedSound(ctx context.Context, voiceModelID, seedSoundID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM voice_model_seed_sounds WHERE voice_model_id = ? AND seed_sound_id = ?`,
		voiceModelID, seedSoundID)
	if err != nil {
		return fmt.Errorf("store: detach seed sound %s from %s: %w", seedSoundID, voiceModelID, err)
	}
	return nil
}

// SampleRefs returns the bucket keys of every seed sound attached to the voice
// model, sorted. Unknown voice models yield a NotFoundError.
func (s *Store) SampleRefs(ctx context.Context, voiceModelID string) ([]string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM voice_models WHERE id = ?`, voiceModelID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{Entity: "voice model", Key: voiceModelID}
	}
	if err != nil {
		return nil, fmt.Errorf("store: sample refs %s: %w", voiceModelID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ss.bucket_key
		FROM voice_model_seed_sounds j
		JOIN seed_sounds ss ON ss.id = j.seed_sound_id
		WHERE j.voice_model_id = ?`, voiceModelID)
	if err != nil {
		return nil, fmt.Errorf("store: sample refs %s: %w", voiceModelID, err)
	}
	defer rows.Close()

	refs := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: scan sample ref: %w", err)
		}
		refs = append(refs, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sample refs %s: %w", voiceModelID, err)
	}

	sort.Strings(refs)
	return refs, nil
}

// RecordGeneration stores a finished generation. An empty ID is filled in.
func (s *Store) RecordGeneration(ctx context.Context, g *Generation) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (id, voice_model_id, text, model_id, bucket_key, content_type, content_length)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.VoiceModelID, g.Text, g.ModelID, g.BucketKey, g.ContentType, g.ContentLength)
	if err != nil {
		return fmt.Errorf("store: record generation %s: %w", g.ID, err)
	}
	return nil
}

// GetGeneration loads a generation by id.
func (s *Store) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, voice_model_id, text, model_id, bucket_key, content_type, content_length, created_at
		FROM generations WHERE id = ?`, id).
		Scan(&g.ID, &g.VoiceModelID, &g.Text, &g.ModelID, &g.BucketKey, &g.ContentType, &g.ContentLength, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{Entity: "generation", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get generation %s: %w", id, err)
	}
	return &g, nil
}
