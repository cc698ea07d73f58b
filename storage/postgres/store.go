// Package postgres stores notification aggregates, thank history and
// recipients in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"thanks-notifier/pkg/notifier"
	"thanks-notifier/storage"
)

// Store implements the same contract as storage.Store over a SQL database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens dbURL, checks the connection and creates missing tables.
func New(ctx context.Context, dbURL string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initDatabase(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	logger.Info("PostgreSQL storage ready")
	return &Store{db: db, logger: logger}, nil
}

func initDatabase(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS thanks_notifications (
			poster_id BIGINT NOT NULL,
			post_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL DEFAULT 0,
			post_subject TEXT NOT NULL DEFAULT '',
			thankers JSONB NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (poster_id, post_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thanks_notifications_updated
			ON thanks_notifications(poster_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS thanks_history (
			id BIGSERIAL PRIMARY KEY,
			post_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thanks_history_post
			ON thanks_history(post_id, id)`,
		`CREATE TABLE IF NOT EXISTS thanks_recipients (
			user_id BIGINT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			lang TEXT NOT NULL DEFAULT '',
			chat_id BIGINT NOT NULL DEFAULT 0,
			email_enabled BOOLEAN NOT NULL DEFAULT false,
			message_enabled BOOLEAN NOT NULL DEFAULT false,
			disabled BOOLEAN NOT NULL DEFAULT false
		)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute query %q: %w", query, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAggregate loads the aggregate of recipientID for postID.
func (s *Store) LoadAggregate(ctx context.Context, recipientID, postID int64) (*notifier.Aggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT poster_id, post_id, topic_id, post_subject, thankers, is_read, created_at, updated_at
		FROM thanks_notifications
		WHERE poster_id = $1 AND post_id = $2
	`, recipientID, postID)

	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate %d/%d: %w", recipientID, postID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	return agg, nil
}

// SaveAggregate inserts or replaces agg.
func (s *Store) SaveAggregate(ctx context.Context, agg *notifier.Aggregate) error {
	if agg.PosterID == 0 || agg.ItemID == 0 {
		return fmt.Errorf("aggregate poster=%d post=%d: missing identifiers", agg.PosterID, agg.ItemID)
	}
	thankers, err := encodeThankers(agg.Thankers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thanks_notifications
			(poster_id, post_id, topic_id, post_subject, thankers, is_read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (poster_id, post_id) DO UPDATE SET
			topic_id = $3, post_subject = $4, thankers = $5, is_read = $6, created_at = $7, updated_at = $8
	`, agg.PosterID, agg.ItemID, agg.ItemParentID, agg.PostSubject, thankers, agg.Read, agg.CreatedAt, agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}

	s.logger.Info("Aggregate saved", "poster_id", agg.PosterID, "post_id", agg.ItemID, "thanker_count", len(agg.Thankers), "read", agg.Read)
	return nil
}

// ListAggregates returns every aggregate of recipientID, most recently updated first.
func (s *Store) ListAggregates(ctx context.Context, recipientID int64) ([]*notifier.Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT poster_id, post_id, topic_id, post_subject, thankers, is_read, created_at, updated_at
		FROM thanks_notifications
		WHERE poster_id = $1
		ORDER BY updated_at DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*notifier.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return aggs, nil
}

// AppendHistory records one thank of ev.
func (s *Store) AppendHistory(ctx context.Context, ev notifier.ThankEvent) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO thanks_history (post_id, user_id) VALUES ($1, $2)",
		ev.PostID, ev.UserID); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the raw thank rows of postID in arrival order.
func (s *Store) History(ctx context.Context, postID int64) ([]notifier.ThankerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM thanks_history WHERE post_id = $1 ORDER BY id",
		postID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []notifier.ThankerRecord
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, notifier.ThankerRecord{UserID: userID, NTimes: 1})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// ResetHistory clears the history window of postID.
func (s *Store) ResetHistory(ctx context.Context, postID int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM thanks_history WHERE post_id = $1", postID)
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	s.logger.Info("History window reset", "post_id", postID, "rows", n)
	return nil
}

// LoadRecipient loads the preferences of userID.
func (s *Store) LoadRecipient(ctx context.Context, userID int64) (*notifier.Recipient, error) {
	var r notifier.Recipient
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, lang, chat_id, email_enabled, message_enabled, disabled
		FROM thanks_recipients
		WHERE user_id = $1
	`, userID).Scan(&r.UserID, &r.Email, &r.Lang, &r.ChatID, &r.EmailEnabled, &r.MessageEnabled, &r.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipient %d: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	return &r, nil
}

// SaveRecipient inserts or replaces the preferences of r.
func (s *Store) SaveRecipient(ctx context.Context, r *notifier.Recipient) error {
	if r.UserID == 0 {
		return errors.New("recipient without user id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thanks_recipients (user_id, email, lang, chat_id, email_enabled, message_enabled, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			email = $2, lang = $3, chat_id = $4, email_enabled = $5, message_enabled = $6, disabled = $7
	`, r.UserID, r.Email, r.Lang, r.ChatID, r.EmailEnabled, r.MessageEnabled, r.Disabled)
	if err != nil {
		return fmt.Errorf("save recipient: %w", err)
	}
	s.logger.Info("Recipient saved", "user_id", r.UserID, "email_enabled", r.EmailEnabled, "message_enabled", r.MessageEnabled)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row scanner) (*notifier.Aggregate, error) {
	var agg notifier.Aggregate
	var thankers []byte
	if err := row.Scan(&agg.PosterID, &agg.ItemID, &agg.ItemParentID, &agg.PostSubject,
		&thankers, &agg.Read, &agg.CreatedAt, &agg.UpdatedAt); err != nil {
		return nil, err
	}
	list, err := decodeThankers(thankers)
	if err != nil {
		return nil, err
	}
	agg.Thankers = list
	return &agg, nil
}

func encodeThankers(thankers []notifier.ThankerRecord) ([]byte, error) {
	if thankers == nil {
		thankers = []notifier.ThankerRecord{}
	}
	data, err := json.Marshal(thankers)
	if err != nil {
		return nil, fmt.Errorf("marshal thankers: %w", err)
	}
	return data, nil
}

func decodeThankers(data []byte) ([]notifier.ThankerRecord, error) {
	var thankers []notifier.ThankerRecord
	if err := json.Unmarshal(data, &thankers); err != nil {
		return nil, fmt.Errorf("unmarshal thankers: %w", err)
	}
	for i := range thankers {
		if thankers[i].NTimes < 1 {
			thankers[i].NTimes = 1
		}
	}
	return thankers, nil
}
