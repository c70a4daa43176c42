// Package journal keeps a sqlite log of the batches delivered to agents.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/internal/journal/migrations"
	"github.com/boristopalov/huddle/internal/metrics"
	"github.com/boristopalov/huddle/pkg/core"

	_ "modernc.org/sqlite"
)

// Entry is one delivered batch
type Entry struct {
	ID          int64
	AgentID     core.AgentID
	Context     string
	DeliveredAt time.Time
	Messages    []core.Message
}

type batchRow struct {
	ID          int64  `db:"id"`
	AgentID     string `db:"agent_id"`
	Context     string `db:"context"`
	Size        int    `db:"size"`
	DeliveredAt int64  `db:"delivered_at"`
}

type messageRow struct {
	BatchID     int64  `db:"batch_id"`
	Position    int    `db:"position"`
	MessageID   string `db:"message_id"`
	SenderID    string `db:"sender_id"`
	SenderKlass string `db:"sender_klass"`
	RecipientID string `db:"recipient_id"`
	Type        string `db:"type"`
	MeetingID   string `db:"meeting_id"`
	Content     string `db:"content"`
	CreatedAt   int64  `db:"created_at"`
}

// Journal is safe for concurrent use
type Journal struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to the sqlite database at path and applies migrations
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger = logger.With().Str("component", "journal").Logger()
	if err := applyMigrations(db.DB, logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("error closing journal after migration failure")
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info().Str("path", path).Msg("journal opened")
	return &Journal{db: db, logger: logger}, nil
}

func applyMigrations(db *sql.DB, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver instance: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite database driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Msg("no journal migrations to apply")
			return nil
		}
		return err
	}

	logger.Info().Msg("journal migrations applied")
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a delivered batch for agentID
func (j *Journal) Record(ctx context.Context, agentID core.AgentID, batch []core.Message) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.JournalLatency.Observe(time.Since(start).Seconds())
	}()

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			j.logger.Warn().Err(rbErr).Msg("error rolling back transaction")
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (agent_id, context, size, delivered_at) VALUES (?, ?, ?, ?)`,
		string(agentID), batch[0].RoutingKey().String(), len(batch), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get batch id: %w", err)
	}

	rows := make([]messageRow, len(batch))
	for i, msg := range batch {
		rows[i] = messageRow{
			BatchID:     batchID,
			Position:    i,
			MessageID:   msg.ID,
			SenderID:    string(msg.SenderID),
			SenderKlass: msg.SenderKlass,
			RecipientID: string(msg.RecipientID),
			Type:        string(msg.Type),
			MeetingID:   string(msg.MeetingID),
			Content:     msg.Content,
			CreatedAt:   msg.CreatedAt.UnixMilli(),
		}
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO batch_messages
			(batch_id, position, message_id, sender_id, sender_klass, recipient_id, type, meeting_id, content, created_at)
		VALUES
			(:batch_id, :position, :message_id, :sender_id, :sender_klass, :recipient_id, :type, :meeting_id, :content, :created_at)`,
		rows); err != nil {
		return fmt.Errorf("failed to insert batch messages: %w", err)
	}

	return tx.Commit()
}

// Recent returns the last limit batches delivered to agentID, newest first
func (j *Journal) Recent(ctx context.Context, agentID core.AgentID, limit int) ([]Entry, error) {
	var batches []batchRow
	if err := j.db.SelectContext(ctx, &batches,
		`SELECT id, agent_id, context, size, delivered_at FROM batches WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		string(agentID), limit); err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}

	entries := make([]Entry, 0, len(batches))
	for _, b := range batches {
		var rows []messageRow
		if err := j.db.SelectContext(ctx, &rows,
			`SELECT * FROM batch_messages WHERE batch_id = ? ORDER BY position`, b.ID); err != nil {
			return nil, fmt.Errorf("failed to query messages of batch %d: %w", b.ID, err)
		}

		entry := Entry{
			ID:          b.ID,
			AgentID:     core.AgentID(b.AgentID),
			Context:     b.Context,
			DeliveredAt: time.UnixMilli(b.DeliveredAt),
			Messages:    make([]core.Message, len(rows)),
		}
		for i, r := range rows {
			entry.Messages[i] = core.Message{
				ID:          r.MessageID,
				SenderID:    core.AgentID(r.SenderID),
				SenderKlass: r.SenderKlass,
				RecipientID: core.AgentID(r.RecipientID),
				Type:        core.MessageType(r.Type),
				MeetingID:   core.MeetingID(r.MeetingID),
				Content:     r.Content,
				CreatedAt:   time.UnixMilli(r.CreatedAt),
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
