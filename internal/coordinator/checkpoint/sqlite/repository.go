// Package sqlite provides a SQLite-backed implementation of checkpoint.Store.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa — important because saga goroutines write checkpoints while the HTTP
// status endpoint reads them.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"

	// Register the pure-Go SQLite driver.
	// modernc.org/sqlite avoids CGO, which keeps Docker (Alpine) builds simple.
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup.
//
// `sagas` holds the current snapshot per saga — one row, updated in place
// under an optimistic version check. `saga_transitions` is the append-only
// audit trail: one immutable row per committed phase change, carrying the
// OTel trace identifiers so a row can be joined with the distributed trace.
const schema = `
CREATE TABLE IF NOT EXISTS sagas (
    -- Deterministic saga ID (UUIDv5 over the trigger payload).
    saga_id     TEXT PRIMARY KEY,

    -- Current phase, duplicated out of the JSON blob for cheap filtering.
    phase       TEXT    NOT NULL,

    -- Full JSON-serialised checkpoint.SagaState snapshot.
    state       TEXT    NOT NULL,

    -- Optimistic concurrency token. UPDATE ... WHERE version = ? rejects
    -- a writer holding a stale snapshot.
    version     INTEGER NOT NULL,

    -- RFC3339 stored as TEXT (SQLite idiom).
    created_at  TEXT    NOT NULL,
    updated_at  TEXT    NOT NULL
);

-- Index for the resume scan: "give me every saga still in flight".
CREATE INDEX IF NOT EXISTS idx_sagas_phase ON sagas(phase);

CREATE TABLE IF NOT EXISTS saga_transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id     TEXT    NOT NULL,
    from_phase  TEXT    NOT NULL,
    to_phase    TEXT    NOT NULL,

    -- Step-specific detail: enabled branch set, retry reason, failure text.
    note        TEXT    NOT NULL DEFAULT '',

    -- W3C trace_id (32 hex chars) from the active OTel span, empty if none.
    trace_id    TEXT    NOT NULL DEFAULT '',
    span_id     TEXT    NOT NULL DEFAULT '',

    at          TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions(saga_id, at);
CREATE INDEX IF NOT EXISTS idx_saga_transitions_trace_id ON saga_transitions(trace_id);
`

// Repository is the SQLite implementation of checkpoint.Store.
type Repository struct {
	db *sql.DB
}

var _ checkpoint.Store = (*Repository)(nil)

// Open opens (or creates) the SQLite database at the given path and applies
// the schema.
//
//	repo, err := sqlite.Open("./data/diagnosis.db")
func Open(path string) (*Repository, error) {
	// The pure-Go driver takes _pragma query parameters. WAL enables
	// concurrent readers; busy_timeout waits for locks instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	// Use "sqlite", not "sqlite3", for the modernc driver.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (r *Repository) Close() error {
	return r.db.Close()
}

// Load returns the current snapshot for a saga, or checkpoint.ErrNotFound.
func (r *Repository) Load(ctx context.Context, sagaID string) (*checkpoint.SagaState, error) {
	const q = `SELECT state FROM sagas WHERE saga_id = ?`

	var raw string
	err := r.db.QueryRowContext(ctx, q, sagaID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load saga %q: %w", sagaID, err)
	}

	return unmarshalState(raw)
}

// Save commits a snapshot under an optimistic version check. A fresh saga
// (Version 0) is inserted; an existing one is updated only if the stored
// version matches the caller's, otherwise checkpoint.ErrConflict.
func (r *Repository) Save(ctx context.Context, state *checkpoint.SagaState) error {
	oldVersion := state.Version
	state.Version = oldVersion + 1
	state.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(state)
	if err != nil {
		state.Version = oldVersion
		return fmt.Errorf("sqlite: marshal saga %q: %w", state.SagaID, err)
	}

	if oldVersion == 0 {
		// ON CONFLICT DO NOTHING turns a duplicate insert into zero
		// affected rows, which we surface as a conflict: someone else
		// created the saga first.
		const q = `
			INSERT INTO sagas (saga_id, phase, state, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(saga_id) DO NOTHING`

		res, err := r.db.ExecContext(ctx, q,
			state.SagaID,
			string(state.Phase),
			string(raw),
			state.Version,
			formatTime(state.CreatedAt),
			formatTime(state.UpdatedAt),
		)
		if err != nil {
			state.Version = oldVersion
			return fmt.Errorf("sqlite: insert saga %q: %w", state.SagaID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			state.Version = oldVersion
			return checkpoint.ErrConflict
		}
		return nil
	}

	const q = `
		UPDATE sagas
		SET    phase = ?, state = ?, version = ?, updated_at = ?
		WHERE  saga_id = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(state.Phase),
		string(raw),
		state.Version,
		formatTime(state.UpdatedAt),
		state.SagaID,
		oldVersion,
	)
	if err != nil {
		state.Version = oldVersion
		return fmt.Errorf("sqlite: update saga %q: %w", state.SagaID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		state.Version = oldVersion
		return checkpoint.ErrConflict
	}
	return nil
}

// ListUnfinished returns every saga not yet in a terminal phase — the
// resume scan run once on process start.
func (r *Repository) ListUnfinished(ctx context.Context) ([]*checkpoint.SagaState, error) {
	const q = `SELECT state FROM sagas WHERE phase NOT IN (?, ?) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q,
		string(checkpoint.PhaseEmitted),
		string(checkpoint.PhaseFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unfinished: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.SagaState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan saga row: %w", err)
		}
		st, err := unmarshalState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PurgeTerminal deletes terminal sagas (and their transition rows) whose
// last update predates the cutoff.
func (r *Repository) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	const qSelect = `SELECT saga_id FROM sagas WHERE phase IN (?, ?) AND updated_at < ?`

	rows, err := r.db.QueryContext(ctx, qSelect,
		string(checkpoint.PhaseEmitted),
		string(checkpoint.PhaseFailed),
		formatTime(olderThan.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: select expired sagas: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: scan expired saga id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM saga_transitions WHERE saga_id = ?`, id); err != nil {
			return 0, fmt.Errorf("sqlite: purge transitions for %q: %w", id, err)
		}
		if _, err := r.db.ExecContext(ctx, `DELETE FROM sagas WHERE saga_id = ?`, id); err != nil {
			return 0, fmt.Errorf("sqlite: purge saga %q: %w", id, err)
		}
	}
	return len(ids), nil
}

// AppendTransition inserts one audit row. Safe to call concurrently.
func (r *Repository) AppendTransition(ctx context.Context, tr *checkpoint.Transition) error {
	const q = `
		INSERT INTO saga_transitions (saga_id, from_phase, to_phase, note, trace_id, span_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		tr.SagaID,
		string(tr.From),
		string(tr.To),
		tr.Note,
		tr.TraceID,
		tr.SpanID,
		formatTime(tr.At),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append transition for %q: %w", tr.SagaID, err)
	}
	return nil
}

func unmarshalState(raw string) (*checkpoint.SagaState, error) {
	var st checkpoint.SagaState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal saga state: %w", err)
	}
	return &st, nil
}
