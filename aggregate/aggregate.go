// Package aggregate merges repeated thank events into a single notification
// and prepares the thanker list for display.
package aggregate

import (
	"errors"
	"fmt"

	"thanks-notifier/pkg/notifier"
)

// DefaultMaxShown is the display bound used when none is configured.
const DefaultMaxShown = 4

var (
	// ErrInvalidInput reports an event or history row without the required identifiers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfiguration reports an unusable display bound.
	ErrConfiguration = errors.New("invalid configuration")
)

// NotificationFormatter is the contract a notification adapter delegates to.
type NotificationFormatter interface {
	MergeNewThank(existing *notifier.Aggregate, alreadyRead bool, ev notifier.ThankEvent) (*notifier.Aggregate, error)
	RecomputeCountsFromHistory(rows []notifier.ThankerRecord) ([]notifier.ThankerRecord, error)
	TrimForDisplay(thankers []notifier.ThankerRecord) (shown []notifier.ThankerRecord, overflow int, err error)
	FormatTitle(shown []notifier.ThankerRecord, overflow, totalDistinct int, username func(int64) string, loc Localizer) string
}

// Aggregator implements NotificationFormatter with a fixed display bound.
type Aggregator struct {
	MaxShown int
}

var _ NotificationFormatter = (*Aggregator)(nil)

// New returns an Aggregator, rejecting a bound below one.
func New(maxShown int) (*Aggregator, error) {
	if maxShown < 1 {
		return nil, fmt.Errorf("max shown %d: %w", maxShown, ErrConfiguration)
	}
	return &Aggregator{MaxShown: maxShown}, nil
}

// MergeNewThank folds ev into existing. See the package function of the same name.
func (a *Aggregator) MergeNewThank(existing *notifier.Aggregate, alreadyRead bool, ev notifier.ThankEvent) (*notifier.Aggregate, error) {
	return MergeNewThank(existing, alreadyRead, ev)
}

// RecomputeCountsFromHistory dedupes rows. See the package function of the same name.
func (a *Aggregator) RecomputeCountsFromHistory(rows []notifier.ThankerRecord) ([]notifier.ThankerRecord, error) {
	return RecomputeCountsFromHistory(rows)
}

// TrimForDisplay trims thankers to the aggregator's bound.
func (a *Aggregator) TrimForDisplay(thankers []notifier.ThankerRecord) ([]notifier.ThankerRecord, int, error) {
	return TrimForDisplay(thankers, a.MaxShown)
}

// FormatTitle renders the notification title. See the package function of the same name.
func (a *Aggregator) FormatTitle(shown []notifier.ThankerRecord, overflow, totalDistinct int, username func(int64) string, loc Localizer) string {
	return FormatTitle(shown, overflow, totalDistinct, username, loc)
}

// MergeNewThank returns the aggregate that results from ev arriving on top of existing.
//
// A nil or already read aggregate starts a new window holding only the
// thanker of ev. Otherwise a new thanker is prepended, and a repeat thanker
// leaves the list as it is: NTimes is not incremented here, it is rebuilt
// from history by RecomputeCountsFromHistory. The post fields always follow ev.
// existing is never modified.
func MergeNewThank(existing *notifier.Aggregate, alreadyRead bool, ev notifier.ThankEvent) (*notifier.Aggregate, error) {
	if ev.UserID == 0 || ev.PostID == 0 {
		return nil, fmt.Errorf("thank event user=%d post=%d: %w", ev.UserID, ev.PostID, ErrInvalidInput)
	}

	fresh := notifier.ThankerRecord{UserID: ev.UserID, NTimes: 1}

	var out notifier.Aggregate
	if existing == nil || alreadyRead {
		out.Thankers = []notifier.ThankerRecord{fresh}
	} else {
		out = *existing
		if containsThanker(existing.Thankers, ev.UserID) {
			out.Thankers = append([]notifier.ThankerRecord(nil), existing.Thankers...)
		} else {
			out.Thankers = make([]notifier.ThankerRecord, 0, len(existing.Thankers)+1)
			out.Thankers = append(out.Thankers, fresh)
			out.Thankers = append(out.Thankers, existing.Thankers...)
		}
	}

	out.ItemID = ev.PostID
	out.ItemParentID = ev.TopicID
	out.PosterID = ev.PosterID
	out.PostSubject = ev.PostSubject
	out.Read = false

	return &out, nil
}

func containsThanker(thankers []notifier.ThankerRecord, userID int64) bool {
	for _, t := range thankers {
		if t.UserID == userID {
			return true
		}
	}
	return false
}

// RecomputeCountsFromHistory collapses raw history rows, one per thank, into
// distinct thankers in order of first occurrence with NTimes set to the
// number of occurrences.
func RecomputeCountsFromHistory(rows []notifier.ThankerRecord) ([]notifier.ThankerRecord, error) {
	m := newOrderedMap[int64, notifier.ThankerRecord](len(rows))
	for i, row := range rows {
		if row.UserID == 0 {
			return nil, fmt.Errorf("history row %d: missing user id: %w", i, ErrInvalidInput)
		}
		if m.setDefault(row.UserID, notifier.ThankerRecord{UserID: row.UserID, NTimes: 1}) {
			continue
		}
		rec, _ := m.get(row.UserID)
		rec.NTimes++
	}
	return m.values(), nil
}

// ApplyCounts returns thankers in their current order with NTimes taken from
// counts. Thankers missing from counts keep their stored value.
func ApplyCounts(thankers, counts []notifier.ThankerRecord) []notifier.ThankerRecord {
	byUser := newOrderedMap[int64, int](len(counts))
	for _, c := range counts {
		byUser.setDefault(c.UserID, c.NTimes)
	}

	out := make([]notifier.ThankerRecord, len(thankers))
	for i, t := range thankers {
		out[i] = t
		if n, ok := byUser.get(t.UserID); ok && *n > 0 {
			out[i].NTimes = *n
		}
		if out[i].NTimes < 1 {
			out[i].NTimes = 1
		}
	}
	return out
}

// TrimForDisplay bounds thankers for display. When there are more than
// maxShown, only the first maxShown-1 are kept and overflow counts the rest,
// leaving room for an "and N others" marker. The input is not modified.
func TrimForDisplay(thankers []notifier.ThankerRecord, maxShown int) ([]notifier.ThankerRecord, int, error) {
	if maxShown < 1 {
		return nil, 0, fmt.Errorf("max shown %d: %w", maxShown, ErrConfiguration)
	}

	keep := len(thankers)
	if keep > maxShown {
		keep = maxShown - 1
	}

	shown := make([]notifier.ThankerRecord, keep)
	copy(shown, thankers[:keep])
	return shown, len(thankers) - keep, nil
}
