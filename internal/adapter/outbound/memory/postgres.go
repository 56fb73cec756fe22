// Package memory implements the TranslationMemory port on Postgres. The
// memory is an exact-match cache: rows translated and validated once are
// served from the table on later runs instead of going back to a model.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/config"
	"locpipe/internal/port/outbound"
)

const defaultMaxConnections = 4

const schemaSQL = `
CREATE TABLE IF NOT EXISTS translation_memory (
    source_hash TEXT        NOT NULL,
    target_lang TEXT        NOT NULL,
    source_text TEXT        NOT NULL,
    target_text TEXT        NOT NULL,
    model       TEXT        NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source_hash, target_lang)
)`

const lookupSQL = `
SELECT source_text, target_text
FROM translation_memory
WHERE target_lang = $1 AND source_hash = ANY($2)`

const upsertSQL = `
INSERT INTO translation_memory (source_hash, target_lang, source_text, target_text, model, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (source_hash, target_lang)
DO UPDATE SET target_text = EXCLUDED.target_text, model = EXCLUDED.model, updated_at = now()`

// PostgresMemory implements outbound.TranslationMemory over a pgx pool.
type PostgresMemory struct {
	pool *pgxpool.Pool
}

// NewPostgresMemory connects to the configured database and ensures the
// translation_memory table exists.
func NewPostgresMemory(ctx context.Context, cfg config.MemoryConfig) (*PostgresMemory, error) {
	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping translation memory database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure translation_memory table: %w", err)
	}

	return &PostgresMemory{pool: pool}, nil
}

// poolConfigFor builds the pgx pool configuration from the memory settings.
func poolConfigFor(cfg config.MemoryConfig) (*pgxpool.Config, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("translation memory is not configured")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse translation memory DSN: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	} else {
		poolConfig.MaxConns = defaultMaxConnections
	}

	return poolConfig, nil
}

// Lookup returns source text to translated text for every exact hit in the
// given target language.
func (m *PostgresMemory) Lookup(ctx context.Context, sourceTexts []string, targetLang string) (map[string]string, error) {
	hits := make(map[string]string, len(sourceTexts))
	if len(sourceTexts) == 0 {
		return hits, nil
	}

	wanted := make(map[string]bool, len(sourceTexts))
	hashes := make([]string, 0, len(sourceTexts))
	for _, text := range sourceTexts {
		if wanted[text] {
			continue
		}
		wanted[text] = true
		hashes = append(hashes, hashSource(text))
	}

	rows, err := m.pool.Query(ctx, lookupSQL, targetLang, hashes)
	if err != nil {
		return nil, fmt.Errorf("translation memory lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceText, targetText string
		if err := rows.Scan(&sourceText, &targetText); err != nil {
			return nil, fmt.Errorf("scan translation memory row: %w", err)
		}
		// Hash matches are confirmed against the stored source text, so a
		// hash collision can never serve a foreign translation.
		if wanted[sourceText] {
			hits[sourceText] = targetText
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("translation memory lookup: %w", err)
	}

	slogger.Debug(ctx, "Translation memory lookup", slogger.Fields3(
		"requested", len(sourceTexts),
		"hits", len(hits),
		"target_lang", targetLang,
	))
	return hits, nil
}

// Store upserts validated translations in one round trip.
func (m *PostgresMemory) Store(ctx context.Context, entries []outbound.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(upsertSQL,
			hashSource(entry.SourceText),
			entry.TargetLang,
			entry.SourceText,
			entry.TargetText,
			entry.Model,
		)
	}

	results := m.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("translation memory store: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (m *PostgresMemory) Close() error {
	if m.pool != nil {
		m.pool.Close()
	}
	return nil
}

func hashSource(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
