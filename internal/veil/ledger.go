package veil

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

	"dhi/internal/logging"
	"dhi/internal/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// ErrLedgerClosed is returned when a write arrives after Close.
var ErrLedgerClosed = errors.New("veil ledger is closed")

// TelemetryEvent records one orchestration outcome. Telemetry is written
// for every run, gate verdict notwithstanding.
type TelemetryEvent struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"request_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Outcome      types.FinalStatus  `json:"outcome"`
	FailureClass types.FailureClass `json:"failure_class"`
	AttemptCount int                `json:"attempt_count"`
	DurationMs   int64              `json:"duration_ms"`
}

// BehavioralEvent is a gate-admitted learning record. It additionally pins
// the fingerprint the outcome was observed under.
type BehavioralEvent struct {
	TelemetryEvent
	GateReason   string      `json:"gate_reason"`
	Reproducible bool        `json:"reproducible"`
	Fingerprint  Fingerprint `json:"fingerprint"`
}

// writeOp is one queued ledger write with its completion channel.
type writeOp struct {
	telemetry  TelemetryEvent
	behavioral *BehavioralEvent
	done       chan error
}

// Ledger is the SQLite-backed VEIL event store. All writes funnel through a
// single goroutine, so concurrent orchestrations never contend on the
// database connection.
type Ledger struct {
	db     *sql.DB
	writes chan writeOp
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// OpenLedger opens (creating if needed) the ledger database and starts the
// writer goroutine.
func OpenLedger(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("failed to create ledger directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("failed to open ledger at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	l := &Ledger{
		db:     db,
		writes: make(chan writeOp, 64),
		done:   make(chan struct{}),
	}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	go l.writer()
	logging.Store("ledger opened at %s", path)
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS telemetry_events (
		id            TEXT PRIMARY KEY,
		request_id    TEXT NOT NULL,
		ts            INTEGER NOT NULL,
		outcome       TEXT NOT NULL,
		failure_class TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_request ON telemetry_events(request_id);

	CREATE TABLE IF NOT EXISTS behavioral_events (
		id            TEXT PRIMARY KEY,
		request_id    TEXT NOT NULL,
		ts            INTEGER NOT NULL,
		outcome       TEXT NOT NULL,
		failure_class TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL,
		gate_reason   TEXT NOT NULL,
		reproducible  INTEGER NOT NULL,
		fingerprint   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_behavioral_request ON behavioral_events(request_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// writer is the single goroutine that performs all database writes.
func (l *Ledger) writer() {
	defer close(l.done)
	for op := range l.writes {
		op.done <- l.apply(op)
	}
}

func (l *Ledger) apply(op writeOp) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	t := op.telemetry
	if _, err := tx.Exec(
		`INSERT INTO telemetry_events (id, request_id, ts, outcome, failure_class, attempt_count, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RequestID, t.Timestamp.UnixMilli(), string(t.Outcome), string(t.FailureClass), t.AttemptCount, t.DurationMs,
	); err != nil {
		return fmt.Errorf("failed to insert telemetry event: %w", err)
	}

	if b := op.behavioral; b != nil {
		fpJSON, err := json.Marshal(b.Fingerprint)
		if err != nil {
			return fmt.Errorf("failed to marshal fingerprint: %w", err)
		}
		reproducible := 0
		if b.Reproducible {
			reproducible = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO behavioral_events (id, request_id, ts, outcome, failure_class, attempt_count, duration_ms, gate_reason, reproducible, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.RequestID, b.Timestamp.UnixMilli(), string(b.Outcome), string(b.FailureClass), b.AttemptCount, b.DurationMs, b.GateReason, reproducible, string(fpJSON),
		); err != nil {
			return fmt.Errorf("failed to insert behavioral event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger tx: %w", err)
	}
	return nil
}

// Write records the orchestration outcome. Telemetry is always written;
// a behavioral event is added only when the gate decision passed. The
// telemetry write and the conditional behavioral write commit atomically.
func (l *Ledger) Write(ctx context.Context, decision Decision, result *types.OrchestrationResult, fp Fingerprint) error {
	now := time.Now().UTC()

	var durationMs int64
	for _, a := range result.Attempts {
		if a.VerificationResult != nil {
			durationMs += a.VerificationResult.DurationMs
		}
	}

	telemetry := TelemetryEvent{
		ID:           ulid.Make().String(),
		RequestID:    result.RequestID,
		Timestamp:    now,
		Outcome:      result.FinalStatus,
		FailureClass: result.FinalFailureClass(),
		AttemptCount: result.AttemptCount,
		DurationMs:   durationMs,
	}

	op := writeOp{telemetry: telemetry, done: make(chan error, 1)}
	if decision.Passed {
		op.behavioral = &BehavioralEvent{
			TelemetryEvent: TelemetryEvent{
				ID:           ulid.Make().String(),
				RequestID:    telemetry.RequestID,
				Timestamp:    now,
				Outcome:      telemetry.Outcome,
				FailureClass: telemetry.FailureClass,
				AttemptCount: telemetry.AttemptCount,
				DurationMs:   telemetry.DurationMs,
			},
			GateReason:   decision.Reason,
			Reproducible: decision.Reproducible,
			Fingerprint:  fp,
		}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLedgerClosed
	}
	select {
	case l.writes <- op:
		l.mu.Unlock()
	case <-ctx.Done():
		l.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadTelemetry returns all telemetry events in insertion order.
func (l *Ledger) ReadTelemetry(ctx context.Context) ([]TelemetryEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, ts, outcome, failure_class, attempt_count, duration_ms
		 FROM telemetry_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	var events []TelemetryEvent
	for rows.Next() {
		var (
			e  TelemetryEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.Outcome, &e.FailureClass, &e.AttemptCount, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReadBehavioral returns all gate-admitted behavioral events in insertion
// order.
func (l *Ledger) ReadBehavioral(ctx context.Context) ([]BehavioralEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, ts, outcome, failure_class, attempt_count, duration_ms, gate_reason, reproducible, fingerprint
		 FROM behavioral_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query behavioral events: %w", err)
	}
	defer rows.Close()

	var events []BehavioralEvent
	for rows.Next() {
		var (
			e            BehavioralEvent
			ts           int64
			reproducible int
			fpJSON       string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.Outcome, &e.FailureClass, &e.AttemptCount, &e.DurationMs, &e.GateReason, &reproducible, &fpJSON); err != nil {
			return nil, fmt.Errorf("failed to scan behavioral event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Reproducible = reproducible != 0
		if err := json.Unmarshal([]byte(fpJSON), &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to parse stored fingerprint: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close drains pending writes, stops the writer goroutine, and closes the
// database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.writes)
	l.mu.Unlock()

	<-l.done
	return l.db.Close()
}
