package dispatch

import (
	"context"
	"fmt"
	"html"
	"time"

	"golang.org/x/text/language"

	"thanks-notifier/email"
	"thanks-notifier/lang"
	"thanks-notifier/pkg/notifier"
)

// View is a notification rendered for display. Title and Reference are HTML.
type View struct {
	UpdatedAt    time.Time `json:"updated_at"`
	Title        string    `json:"title"`
	Reference    string    `json:"reference"`
	URL          string    `json:"url"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	ItemID       int64     `json:"item_id"`
	ItemParentID int64     `json:"item_parent_id"`
	Read         bool      `json:"read"`
}

// Notifications renders the notifications of recipientID in tag, newest first.
// Unread notifications show repeat counts from the current history window.
func (s *Service) Notifications(ctx context.Context, recipientID int64, tag language.Tag) ([]View, error) {
	aggs, err := s.store.ListAggregates(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}

	var ids []int64
	for _, agg := range aggs {
		for _, t := range agg.Thankers {
			ids = append(ids, t.UserID)
		}
	}
	if err := s.users.Load(ctx, ids); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	printer := s.lang.Printer(tag)
	views := make([]View, 0, len(aggs))
	for _, agg := range aggs {
		display := agg
		if !agg.Read {
			thankers, err := s.countedThankers(ctx, agg)
			if err != nil {
				s.logger.Warn("Using stored counts", "post_id", agg.ItemID, "error", err)
			} else {
				counted := *agg
				counted.Thankers = thankers
				display = &counted
			}
		}

		v, err := s.buildView(display, printer)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) buildView(agg *notifier.Aggregate, printer *lang.Printer) (View, error) {
	shown, overflow, err := s.formatter.TrimForDisplay(agg.Thankers)
	if err != nil {
		return View{}, fmt.Errorf("trim thankers of post %d: %w", agg.ItemID, err)
	}

	v := View{
		ItemID:       agg.ItemID,
		ItemParentID: agg.ItemParentID,
		Title:        s.formatter.FormatTitle(shown, overflow, len(agg.Thankers), s.usernameIn(printer), printer),
		Reference:    printer.Sprintf(lang.KeyReference, s.subject(agg)),
		URL:          s.postURL(agg.ItemID),
		Read:         agg.Read,
		UpdatedAt:    agg.UpdatedAt,
	}
	if len(agg.Thankers) == 1 {
		v.AvatarURL = s.users.AvatarURL(agg.Thankers[0].UserID)
	}
	return v, nil
}

// usernameIn resolves escaped usernames, naming unknown users in printer's language.
func (s *Service) usernameIn(printer *lang.Printer) func(int64) string {
	return func(id int64) string {
		if name := s.users.Username(id); name != "" {
			return name
		}
		return printer.Sprintf(lang.KeyUnknownUser)
	}
}

// subject returns the censored, escaped post subject.
func (s *Service) subject(agg *notifier.Aggregate) string {
	return html.EscapeString(s.censor.Text(agg.PostSubject))
}

func (s *Service) postURL(postID int64) string {
	return fmt.Sprintf("%s/viewtopic.php?p=%d#p%d", s.boardURL, postID, postID)
}

// deliver sends the email and instant message of a new notification.
// Failures are logged; the notification itself is already stored.
func (s *Service) deliver(ctx context.Context, r *notifier.Recipient, agg *notifier.Aggregate, thankerID int64) {
	wantEmail := r.EmailEnabled && r.Email != ""
	wantMessage := r.MessageEnabled && r.ChatID != 0 && s.messenger != nil
	if !wantEmail && !wantMessage {
		return
	}

	if err := s.users.Load(ctx, []int64{thankerID, r.UserID}); err != nil {
		s.logger.Warn("Failed to load users for delivery", "recipient_id", r.UserID, "error", err)
		return
	}

	printer := s.lang.Printer(s.lang.Match(r.Lang))
	username := s.usernameIn(printer)
	subject := s.subject(agg)
	postURL := s.postURL(agg.ItemID)

	if wantEmail {
		msg := email.Message{
			Lang:        printer.Tag().String(),
			Subject:     printer.Sprintf(lang.KeyMailSubject) + ": " + subject,
			Greeting:    printer.Sprintf(lang.KeyMailHello, username(r.UserID)),
			Username:    email.PlainText(username(r.UserID)),
			PostSubject: email.PlainText(subject),
			PostThanks:  username(thankerID) + " " + printer.Sprintf(lang.KeyMailMessage),
			PosterName:  email.PlainText(username(agg.PosterID)),
			PostURL:     postURL,
			ViewPost:    printer.Sprintf(lang.KeyMailViewPost),
		}
		if err := s.emailer.SendThanks(ctx, r.Email, msg); err != nil {
			s.logger.Warn("Failed to send thanks email", "recipient_id", r.UserID, "post_id", agg.ItemID, "error", err)
		}
	}

	if wantMessage {
		text := fmt.Sprintf("%s %s %s",
			email.PlainText(username(thankerID)),
			printer.Sprintf(lang.KeyMailMessage),
			email.PlainText(printer.Sprintf(lang.KeyReference, subject)))
		if err := s.messenger.Send(ctx, r.ChatID, text, postURL); err != nil {
			s.logger.Warn("Failed to send instant message", "recipient_id", r.UserID, "post_id", agg.ItemID, "error", err)
		}
	}
}
