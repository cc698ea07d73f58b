// Package notifier contains the core domain types for the thanks notification service.
package notifier

import "time"

// ThankEvent is one occurrence of a user thanking a post.
type ThankEvent struct {
	UserID      int64  `json:"user_id"`      // Thanking user
	PostID      int64  `json:"post_id"`      // Thanked post
	TopicID     int64  `json:"topic_id"`     // Topic of the thanked post
	PosterID    int64  `json:"poster_id"`    // Author of the post, the notification recipient
	PostSubject string `json:"post_subject"` // Raw subject, censored before display
}

// ThankerRecord is the aggregated state of one distinct thanker.
type ThankerRecord struct {
	UserID int64 `json:"user_id"`
	NTimes int   `json:"ntimes"` // Times thanked since the last read
}

// Aggregate is the outstanding notification for one recipient about thanks on one post.
type Aggregate struct {
	CreatedAt    time.Time       `json:"created_at"`     // Start of the current aggregation window
	UpdatedAt    time.Time       `json:"updated_at"`     // Time of the latest thank
	PostSubject  string          `json:"post_subject"`   // Subject from the latest thank
	Thankers     []ThankerRecord `json:"thankers"`       // Most recently first-thanked first
	ItemID       int64           `json:"item_id"`        // Post ID
	ItemParentID int64           `json:"item_parent_id"` // Topic ID
	PosterID     int64           `json:"poster_id"`      // Recipient
	Read         bool            `json:"read"`           // Frozen once read
}

// Recipient holds the delivery preferences of a notification recipient.
type Recipient struct {
	UserID         int64  `json:"user_id"`
	Email          string `json:"email"`
	Lang           string `json:"lang"`            // BCP 47 tag, empty for the board default
	ChatID         int64  `json:"chat_id"`         // Telegram chat, 0 if not linked
	EmailEnabled   bool   `json:"email_enabled"`   // Email on new thanks
	MessageEnabled bool   `json:"message_enabled"` // Instant message on new thanks
	Disabled       bool   `json:"disabled"`        // Opted out of thanks notifications
}

// Option describes the notification type to preference screens.
type Option struct {
	Type  string
	Lang  string
	Group string
}

// ThanksOption returns the metadata of the thanks notification type.
func ThanksOption() Option {
	return Option{
		Type:  "thanks",
		Lang:  "NOTIFICATION_TYPE_THANKS_GIVE",
		Group: "NOTIFICATION_GROUP_MISCELLANEOUS",
	}
}
