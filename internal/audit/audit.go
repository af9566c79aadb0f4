// Package audit records completed mirror update runs to an optional
// Postgres history table and optionally publishes a notification event
// to Kafka. Both backends are nil-safe: a Recorder with no database and
// no Kafka writer degrades to a no-op, never to an error.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS update_history (
    id             BIGSERIAL PRIMARY KEY,
    timestamp      TEXT NOT NULL,
    added_wheels   INT NOT NULL,
    removed_wheels INT NOT NULL,
    changed_index  INT NOT NULL,
    added_index    INT NOT NULL,
    diff_dir       TEXT NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_update_history_timestamp ON update_history(timestamp);
`

// Entry is one completed update run, as recorded to Postgres and
// published to Kafka.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	AddedWheels   int    `json:"added_wheels"`
	RemovedWheels int    `json:"removed_wheels"`
	ChangedIndex  int    `json:"changed_index"`
	AddedIndex    int    `json:"added_index"`
	DiffDir       string `json:"diff_dir"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDB attaches a Postgres connection. A nil db leaves history
// recording a no-op.
func WithDB(db *sql.DB) Option {
	return func(r *Recorder) { r.db = db }
}

// WithKafka configures a fire-and-forget notification publish to
// brokers/topic after every RecordUpdate. An empty brokers string
// leaves notification a no-op.
func WithKafka(brokers, topic string) Option {
	return func(r *Recorder) {
		r.kafkaBrokers = brokers
		if topic != "" {
			r.kafkaTopic = topic
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// Recorder is the optional operational record of update runs. Every
// method is safe to call with a zero-value Recorder; absence of a
// database or broker only means the record is not kept, it never
// fails the update that produced it.
type Recorder struct {
	db           *sql.DB
	kafkaBrokers string
	kafkaTopic   string
	logger       *slog.Logger
}

// New creates a Recorder. Pass no options for a fully no-op recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{kafkaTopic: "wheelmirror.updates", logger: slog.Default()}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// EnsureSchema creates the update_history table if a database is
// configured. Safe to call on a nil-database Recorder; it is then a
// no-op.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// RecordUpdate writes entry to the history table (if a database is
// configured) and publishes it to Kafka (if brokers are configured).
// Neither failure is returned to the caller: this is an operational
// record of a pipeline run that already completed, not a correctness
// dependency of the pipeline itself. Both outcomes are logged.
func (r *Recorder) RecordUpdate(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}

	if err := r.recordHistory(ctx, entry); err != nil {
		r.logger.Warn("audit history write failed", slog.String("error", err.Error()))
	}

	if err := r.publish(ctx, entry); err != nil {
		r.logger.Warn("update notification publish failed", slog.String("error", err.Error()))
	}
}

func (r *Recorder) recordHistory(ctx context.Context, entry Entry) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO update_history (timestamp, added_wheels, removed_wheels, changed_index, added_index, diff_dir)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.Timestamp, entry.AddedWheels, entry.RemovedWheels, entry.ChangedIndex, entry.AddedIndex, entry.DiffDir)
	if err != nil {
		return fmt.Errorf("inserting update_history row: %w", err)
	}

	return nil
}

func (r *Recorder) publish(ctx context.Context, entry Entry) error {
	if r.kafkaBrokers == "" {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling update event: %w", err)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(r.kafkaBrokers),
		Topic:        r.kafkaTopic,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	defer func() { _ = w.Close() }()

	if err := w.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return fmt.Errorf("publishing update event: %w", err)
	}

	return nil
}

// Recent returns the most recent history rows, newest first. Returns
// an empty slice (not an error) when no database is configured.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, added_wheels, removed_wheels, changed_index, added_index, diff_dir
		FROM update_history ORDER BY recorded_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying update_history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.AddedWheels, &e.RemovedWheels, &e.ChangedIndex, &e.AddedIndex, &e.DiffDir); err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, rows.Err()
}
