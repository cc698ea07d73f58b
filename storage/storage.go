// Package storage persists notification aggregates, the thank history window
// and recipient preferences as JSON objects.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"thanks-notifier/pkg/notifier"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store keeps objects in a Cloud Storage bucket, or in a local directory when
// localPath is set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	// history is read-modify-write; serialize it within this process
	historyMu sync.Mutex
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func aggregatePrefix(recipientID int64) string {
	return fmt.Sprintf("thanks-%d-", recipientID)
}

// AggregateKey names the object holding a recipient's aggregate for a post.
func AggregateKey(recipientID, postID int64) string {
	return fmt.Sprintf("%s%d.json", aggregatePrefix(recipientID), postID)
}

// HistoryKey names the object holding the raw thank rows of a post.
func HistoryKey(postID int64) string {
	return fmt.Sprintf("history-%d.json", postID)
}

// RecipientKey names the object holding a recipient's preferences.
func RecipientKey(userID int64) string {
	return fmt.Sprintf("user-%d.json", userID)
}

// LoadAggregate loads the aggregate of recipientID for postID.
func (s *Store) LoadAggregate(ctx context.Context, recipientID, postID int64) (*notifier.Aggregate, error) {
	var agg notifier.Aggregate
	if err := s.loadJSON(ctx, AggregateKey(recipientID, postID), &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// SaveAggregate stores agg under its poster and post.
func (s *Store) SaveAggregate(ctx context.Context, agg *notifier.Aggregate) error {
	if agg.PosterID == 0 || agg.ItemID == 0 {
		return fmt.Errorf("aggregate poster=%d post=%d: missing identifiers", agg.PosterID, agg.ItemID)
	}
	key := AggregateKey(agg.PosterID, agg.ItemID)
	if err := s.saveJSON(ctx, key, agg); err != nil {
		return err
	}
	s.logger.Info("Aggregate saved", "key", key, "thanker_count", len(agg.Thankers), "read", agg.Read)
	return nil
}

// ListAggregates returns every aggregate of recipientID, most recently updated first.
func (s *Store) ListAggregates(ctx context.Context, recipientID int64) ([]*notifier.Aggregate, error) {
	keys, err := s.listKeys(ctx, aggregatePrefix(recipientID))
	if err != nil {
		return nil, err
	}

	aggs := make([]*notifier.Aggregate, 0, len(keys))
	for _, key := range keys {
		var agg notifier.Aggregate
		if err := s.loadJSON(ctx, key, &agg); err != nil {
			s.logger.Warn("Failed to load aggregate", "key", key, "error", err)
			continue
		}
		aggs = append(aggs, &agg)
	}

	sort.SliceStable(aggs, func(i, j int) bool {
		return aggs[i].UpdatedAt.After(aggs[j].UpdatedAt)
	})
	return aggs, nil
}

// AppendHistory records one thank of ev in the history window of its post.
func (s *Store) AppendHistory(ctx context.Context, ev notifier.ThankEvent) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	rows, err := s.History(ctx, ev.PostID)
	if err != nil {
		return err
	}
	rows = append(rows, notifier.ThankerRecord{UserID: ev.UserID, NTimes: 1})
	return s.saveJSON(ctx, HistoryKey(ev.PostID), rows)
}

// History returns the raw thank rows of postID in arrival order, one per
// thank. A post without history yields an empty slice.
func (s *Store) History(ctx context.Context, postID int64) ([]notifier.ThankerRecord, error) {
	var rows []notifier.ThankerRecord
	if err := s.loadJSON(ctx, HistoryKey(postID), &rows); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rows, nil
}

// ResetHistory clears the history window of postID.
func (s *Store) ResetHistory(ctx context.Context, postID int64) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	key := HistoryKey(postID)
	if err := s.deleteObject(ctx, key); err != nil {
		return err
	}
	s.logger.Info("History window reset", "key", key)
	return nil
}

// LoadRecipient loads the preferences of userID.
func (s *Store) LoadRecipient(ctx context.Context, userID int64) (*notifier.Recipient, error) {
	var r notifier.Recipient
	if err := s.loadJSON(ctx, RecipientKey(userID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRecipient stores the preferences of r.
func (s *Store) SaveRecipient(ctx context.Context, r *notifier.Recipient) error {
	if r.UserID == 0 {
		return errors.New("recipient without user id")
	}
	key := RecipientKey(r.UserID)
	if err := s.saveJSON(ctx, key, r); err != nil {
		return err
	}
	s.logger.Info("Recipient saved", "key", key, "email_enabled", r.EmailEnabled, "message_enabled", r.MessageEnabled)
	return nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	s.logger.Debug("Saving object", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) loadJSON(ctx context.Context, key string, v any) error {
	data, err := s.readObject(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) readObject(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if missing {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// deleteObject removes key. Removing a missing object is not an error.
func (s *Store) deleteObject(ctx context.Context, key string) error {
	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: prefix,
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
