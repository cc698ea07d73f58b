package aggregate

import (
	"strconv"

	"thanks-notifier/pkg/notifier"
)

// Phrase keys looked up through the Localizer.
const (
	KeyThanksGive  = "NOTIFICATION_THANKS_GIVE"
	KeyXOthers     = "NOTIFICATION_X_OTHERS"
	KeyManyOthers  = "NOTIFICATION_MANY_OTHERS"
	manyOthersFrom = 20
)

// Localizer supplies phrase templates. Sprintf formats the phrase stored
// under key, choosing plural forms from the numeric arguments.
type Localizer interface {
	Sprintf(key string, args ...any) string
	StringList(items []string) string
}

// FormatTitle renders the notification title for the shown thankers.
//
// Each thanker is rendered by username, suffixed with " (N)" when they
// thanked more than once. A positive overflow appends an "N others" marker,
// or a generic one when it exceeds 20. totalDistinct is the untrimmed thanker
// count and selects the plural form of the sentence.
func FormatTitle(shown []notifier.ThankerRecord, overflow, totalDistinct int, username func(int64) string, loc Localizer) string {
	names := make([]string, 0, len(shown)+1)
	for _, t := range shown {
		name := username(t.UserID)
		if t.NTimes > 1 {
			name += " (" + strconv.Itoa(t.NTimes) + ")"
		}
		names = append(names, name)
	}

	switch {
	case overflow > manyOthersFrom:
		names = append(names, loc.Sprintf(KeyManyOthers))
	case overflow > 0:
		names = append(names, loc.Sprintf(KeyXOthers, overflow))
	}

	return loc.Sprintf(KeyThanksGive, loc.StringList(names), totalDistinct)
}
