// Package sqlitestore implements an embedded object store on SQLite, for
// self-hosted deployments without an S3-compatible bucket.
package sqlitestore

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"edge-relays/internal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS objects (
	key                 TEXT PRIMARY KEY,
	data                BLOB NOT NULL,
	size                INTEGER NOT NULL,
	etag                TEXT NOT NULL,
	content_type        TEXT NOT NULL DEFAULT '',
	content_language    TEXT NOT NULL DEFAULT '',
	content_disposition TEXT NOT NULL DEFAULT '',
	content_encoding    TEXT NOT NULL DEFAULT '',
	cache_control       TEXT NOT NULL DEFAULT '',
	uploaded_at         INTEGER NOT NULL
)`

// Store is a Store backed by a single SQLite table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating when needed) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create objects table: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "sqlite_store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under key, replacing any existing object. The entity tag is
// the hex MD5 of the content, as S3 computes it for single-part uploads.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta storage.HTTPMetadata) (*storage.Object, error) {
	if key == "" {
		return nil, errors.New("put: empty key")
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (key, data, size, etag, content_type, content_language,
			content_disposition, content_encoding, cache_control, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			etag = excluded.etag,
			content_type = excluded.content_type,
			content_language = excluded.content_language,
			content_disposition = excluded.content_disposition,
			content_encoding = excluded.content_encoding,
			cache_control = excluded.cache_control,
			uploaded_at = excluded.uploaded_at`,
		key, data, len(data), etag, meta.ContentType, meta.ContentLanguage,
		meta.ContentDisposition, meta.ContentEncoding, meta.CacheControl, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("put %q: %w", key, err)
	}

	s.logger.Debug("object stored", "key", key, "size", len(data))

	return &storage.Object{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         etag,
		LastModified: now,
		Metadata:     meta,
	}, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Get implements storage.Store. Conditions are evaluated before any content is
// read; ranges are sliced inside SQLite so only the requested bytes are loaded.
func (s *Store) Get(ctx context.Context, key string, rng *storage.Range, cond storage.Conditions) (*storage.Object, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("get %q: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	obj := &storage.Object{Key: key}
	var uploaded int64
	err = tx.QueryRowContext(ctx, `
		SELECT size, etag, content_type, content_language, content_disposition,
			content_encoding, cache_control, uploaded_at
		FROM objects WHERE key = ?`, key,
	).Scan(&obj.Size, &obj.ETag, &obj.Metadata.ContentType, &obj.Metadata.ContentLanguage,
		&obj.Metadata.ContentDisposition, &obj.Metadata.ContentEncoding,
		&obj.Metadata.CacheControl, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	obj.LastModified = time.Unix(uploaded, 0).UTC()

	if !cond.Evaluate(obj.ETag, obj.LastModified) {
		return obj, nil
	}

	span := storage.ByteRange{Offset: 0, Length: obj.Size}
	if rng != nil {
		span, err = rng.Resolve(obj.Size)
		if err != nil {
			return nil, err
		}
		obj.Range = span
		obj.Ranged = true
	}

	var data []byte
	if err := tx.QueryRowContext(ctx,
		"SELECT substr(data, ?, ?) FROM objects WHERE key = ?",
		span.Offset+1, span.Length, key,
	).Scan(&data); err != nil {
		return nil, fmt.Errorf("get %q: read content: %w", key, err)
	}

	obj.Body = io.NopCloser(bytes.NewReader(data))
	return obj, nil
}
