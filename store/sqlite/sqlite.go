// Package sqlite implements qx.TurnSink on a local SQLite file using the
// pure-Go driver. Completed turns are recorded for later inspection; the
// agent core never reads them back mid-turn.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/qx-sh/qx"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs with timing per operation.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store records completed turns in a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ qx.TurnSink = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store at dbPath. A single shared connection serializes
// writers, eliminating SQLITE_BUSY from concurrent turns.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: transcript store opened", "path", dbPath)
	return s
}

// Init creates the turns table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		messages TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	return nil
}

// RecordTurn persists one completed turn. Messages are stored as a JSON
// array of the turn's full transcript.
func (s *Store) RecordTurn(ctx context.Context, rec qx.TurnRecord) error {
	start := time.Now()
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("sqlite: marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns
		 (id, input, output, messages, input_tokens, output_tokens, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Input, rec.Output, string(messages),
		rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("sqlite: record turn: %w", err)
	}
	s.logger.Debug("sqlite: turn recorded",
		"turn", rec.ID,
		"messages", len(rec.Messages),
		"elapsed", time.Since(start))
	return nil
}

// Turn reads one recorded turn by id.
func (s *Store) Turn(ctx context.Context, id string) (qx.TurnRecord, error) {
	var (
		rec      qx.TurnRecord
		messages string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, input, output, messages, input_tokens, output_tokens, started_at, finished_at
		 FROM turns WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Input, &rec.Output, &messages,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens,
			&rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return qx.TurnRecord{}, fmt.Errorf("sqlite: load turn %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return qx.TurnRecord{}, fmt.Errorf("sqlite: decode messages: %w", err)
	}
	return rec, nil
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]qx.TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input, output, messages, input_tokens, output_tokens, started_at, finished_at
		 FROM turns ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list turns: %w", err)
	}
	defer rows.Close()

	var out []qx.TurnRecord
	for rows.Next() {
		var (
			rec      qx.TurnRecord
			messages string
		)
		if err := rows.Scan(&rec.ID, &rec.Input, &rec.Output, &messages,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens,
			&rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
			return nil, fmt.Errorf("sqlite: decode messages: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
