// Package dispatch turns thank events into stored notifications and delivers
// new ones by email and instant message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/language"

	"thanks-notifier/aggregate"
	"thanks-notifier/censor"
	"thanks-notifier/email"
	"thanks-notifier/lang"
	"thanks-notifier/pkg/notifier"
	"thanks-notifier/storage"
)

// ErrNotFound is returned when a recipient has no notification for a post.
var ErrNotFound = errors.New("notification not found")

// Store interface for aggregate, history and recipient persistence.
// Missing objects are reported with storage.ErrNotFound.
type Store interface {
	LoadAggregate(ctx context.Context, recipientID, postID int64) (*notifier.Aggregate, error)
	SaveAggregate(ctx context.Context, agg *notifier.Aggregate) error
	ListAggregates(ctx context.Context, recipientID int64) ([]*notifier.Aggregate, error)
	AppendHistory(ctx context.Context, ev notifier.ThankEvent) error
	History(ctx context.Context, postID int64) ([]notifier.ThankerRecord, error)
	ResetHistory(ctx context.Context, postID int64) error
	LoadRecipient(ctx context.Context, userID int64) (*notifier.Recipient, error)
	SaveRecipient(ctx context.Context, r *notifier.Recipient) error
}

// Users interface for resolving display names and avatars.
type Users interface {
	Load(ctx context.Context, ids []int64) error
	Username(id int64) string
	AvatarURL(id int64) string
}

// Emailer interface for sending thanks emails.
type Emailer interface {
	SendThanks(ctx context.Context, to string, msg email.Message) error
}

// Messenger interface for instant messages.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text, url string) error
}

// Deps are the collaborators of a Service. Messenger and Censor are optional.
type Deps struct {
	Store     Store
	Users     Users
	Emailer   Emailer
	Messenger Messenger
	Formatter aggregate.NotificationFormatter
	Lang      *lang.Bundle
	Censor    *censor.Censor
	BoardURL  string
	Logger    *slog.Logger
}

// Service handles thank events and read marks.
type Service struct {
	store     Store
	users     Users
	emailer   Emailer
	messenger Messenger
	formatter aggregate.NotificationFormatter
	lang      *lang.Bundle
	censor    *censor.Censor
	logger    *slog.Logger
	now       func() time.Time
	boardURL  string
	// aggregate updates are read-modify-write
	mu sync.Mutex
}

// New creates a new dispatch service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Users == nil || deps.Emailer == nil || deps.Formatter == nil || deps.Lang == nil || deps.Logger == nil {
		return nil, fmt.Errorf("dispatch: missing collaborator: %w", aggregate.ErrConfiguration)
	}
	return &Service{
		store:     deps.Store,
		users:     deps.Users,
		emailer:   deps.Emailer,
		messenger: deps.Messenger,
		formatter: deps.Formatter,
		lang:      deps.Lang,
		censor:    deps.Censor,
		logger:    deps.Logger,
		now:       time.Now,
		boardURL:  deps.BoardURL,
	}, nil
}

// Thank records ev and updates the poster's notification for the post.
// Starting a new notification window triggers delivery; a thank on an
// unread notification only refreshes it.
func (s *Service) Thank(ctx context.Context, ev notifier.ThankEvent) error {
	if ev.UserID <= 0 || ev.PostID <= 0 || ev.PosterID <= 0 {
		return fmt.Errorf("thank event user=%d post=%d poster=%d: %w", ev.UserID, ev.PostID, ev.PosterID, aggregate.ErrInvalidInput)
	}

	recipient, ok, err := s.recipientFor(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	merged, newWindow, err := s.record(ctx, recipient, ev)
	if err != nil {
		return err
	}

	// Delivery runs outside the lock.
	if newWindow {
		s.deliver(ctx, recipient, merged, ev.UserID)
	}
	return nil
}

// record appends ev to the history window and stores the merged notification.
// It reports whether ev opened a new window.
func (s *Service) record(ctx context.Context, recipient *notifier.Recipient, ev notifier.ThankEvent) (*notifier.Aggregate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.LoadAggregate(ctx, recipient.UserID, ev.PostID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("load aggregate: %w", err)
	}
	if err != nil {
		existing = nil
	}
	alreadyRead := existing != nil && existing.Read

	// Rows left over from a read window must not count towards the new one.
	if alreadyRead {
		if err := s.store.ResetHistory(ctx, ev.PostID); err != nil {
			return nil, false, fmt.Errorf("reset history: %w", err)
		}
	}
	if err := s.store.AppendHistory(ctx, ev); err != nil {
		return nil, false, fmt.Errorf("append history: %w", err)
	}

	merged, err := s.formatter.MergeNewThank(existing, alreadyRead, ev)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	newWindow := existing == nil || alreadyRead
	if newWindow {
		merged.CreatedAt = now
	}
	merged.UpdatedAt = now

	if err := s.store.SaveAggregate(ctx, merged); err != nil {
		return nil, false, fmt.Errorf("save aggregate: %w", err)
	}

	s.logger.Info("Thank recorded",
		"post_id", ev.PostID,
		"thanker_id", ev.UserID,
		"recipient_id", recipient.UserID,
		"new_window", newWindow,
		"thanker_count", len(merged.Thankers))
	return merged, newWindow, nil
}

// recipientFor resolves who is notified about ev: the poster, unless they
// thanked their own post or disabled thanks notifications. A poster without
// stored preferences still gets the notification but no deliveries.
func (s *Service) recipientFor(ctx context.Context, ev notifier.ThankEvent) (*notifier.Recipient, bool, error) {
	if ev.PosterID == ev.UserID {
		s.logger.Debug("Skipping self thank", "post_id", ev.PostID, "user_id", ev.UserID)
		return nil, false, nil
	}

	r, err := s.store.LoadRecipient(ctx, ev.PosterID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &notifier.Recipient{UserID: ev.PosterID}, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("load recipient: %w", err)
	case r.Disabled:
		s.logger.Debug("Recipient disabled thanks notifications", "recipient_id", r.UserID)
		return nil, false, nil
	}
	return r, true, nil
}

// MarkRead freezes the recipient's notification for postID. Repeat counts
// are rebuilt from the thank history in the current display order, then the
// history window is cleared. Marking a read notification again is a no-op.
func (s *Service) MarkRead(ctx context.Context, recipientID, postID int64) error {
	if recipientID <= 0 || postID <= 0 {
		return fmt.Errorf("mark read recipient=%d post=%d: %w", recipientID, postID, aggregate.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, err := s.store.LoadAggregate(ctx, recipientID, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("recipient %d post %d: %w", recipientID, postID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load aggregate: %w", err)
	}
	if agg.PosterID != recipientID {
		return fmt.Errorf("recipient %d post %d: %w", recipientID, postID, ErrNotFound)
	}
	if agg.Read {
		return nil
	}

	thankers, err := s.countedThankers(ctx, agg)
	if err != nil {
		return err
	}

	read := *agg
	read.Thankers = thankers
	read.Read = true
	if err := s.store.SaveAggregate(ctx, &read); err != nil {
		return fmt.Errorf("save aggregate: %w", err)
	}
	// A failed reset leaves rows behind; the next window clears them in record.
	if err := s.store.ResetHistory(ctx, postID); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}

	s.logger.Info("Notification marked read", "recipient_id", recipientID, "post_id", postID, "thanker_count", len(thankers))
	return nil
}

// countedThankers returns the thankers of agg with repeat counts taken from
// the history window.
func (s *Service) countedThankers(ctx context.Context, agg *notifier.Aggregate) ([]notifier.ThankerRecord, error) {
	rows, err := s.store.History(ctx, agg.ItemID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	counts, err := s.formatter.RecomputeCountsFromHistory(rows)
	if err != nil {
		return nil, fmt.Errorf("recompute counts: %w", err)
	}
	return aggregate.ApplyCounts(agg.Thankers, counts), nil
}

// UpdateRecipient stores delivery preferences.
func (s *Service) UpdateRecipient(ctx context.Context, r notifier.Recipient) error {
	if r.UserID == 0 {
		return fmt.Errorf("recipient without user id: %w", aggregate.ErrInvalidInput)
	}
	if r.Lang != "" {
		tag, err := language.Parse(r.Lang)
		if err != nil {
			return fmt.Errorf("recipient lang %q: %w", r.Lang, aggregate.ErrInvalidInput)
		}
		r.Lang = tag.String()
	}
	if err := s.store.SaveRecipient(ctx, &r); err != nil {
		return fmt.Errorf("save recipient: %w", err)
	}
	return nil
}
