package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/language"

	"thanks-notifier/aggregate"
	"thanks-notifier/censor"
	"thanks-notifier/email"
	"thanks-notifier/lang"
	"thanks-notifier/pkg/notifier"
	"thanks-notifier/storage"
)

type aggKey struct{ recipient, post int64 }

type memStore struct {
	mu         sync.Mutex
	aggs       map[aggKey]notifier.Aggregate
	history    map[int64][]notifier.ThankerRecord
	recipients map[int64]notifier.Recipient
}

func newMemStore() *memStore {
	return &memStore{
		aggs:       make(map[aggKey]notifier.Aggregate),
		history:    make(map[int64][]notifier.ThankerRecord),
		recipients: make(map[int64]notifier.Recipient),
	}
}

func (m *memStore) LoadAggregate(_ context.Context, recipientID, postID int64) (*notifier.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggs[aggKey{recipientID, postID}]
	if !ok {
		return nil, fmt.Errorf("aggregate: %w", storage.ErrNotFound)
	}
	agg.Thankers = append([]notifier.ThankerRecord(nil), agg.Thankers...)
	return &agg, nil
}

func (m *memStore) SaveAggregate(_ context.Context, agg *notifier.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *agg
	stored.Thankers = append([]notifier.ThankerRecord(nil), agg.Thankers...)
	m.aggs[aggKey{agg.PosterID, agg.ItemID}] = stored
	return nil
}

func (m *memStore) ListAggregates(ctx context.Context, recipientID int64) ([]*notifier.Aggregate, error) {
	m.mu.Lock()
	var keys []aggKey
	for k := range m.aggs {
		if k.recipient == recipientID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	var out []*notifier.Aggregate
	for _, k := range keys {
		agg, _ := m.LoadAggregate(ctx, k.recipient, k.post)
		out = append(out, agg)
	}
	// newest first, like the real stores
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (m *memStore) AppendHistory(_ context.Context, ev notifier.ThankEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[ev.PostID] = append(m.history[ev.PostID], notifier.ThankerRecord{UserID: ev.UserID, NTimes: 1})
	return nil
}

func (m *memStore) History(_ context.Context, postID int64) ([]notifier.ThankerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifier.ThankerRecord(nil), m.history[postID]...), nil
}

func (m *memStore) ResetHistory(_ context.Context, postID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, postID)
	return nil
}

func (m *memStore) LoadRecipient(_ context.Context, userID int64) (*notifier.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[userID]
	if !ok {
		return nil, fmt.Errorf("recipient: %w", storage.ErrNotFound)
	}
	return &r, nil
}

func (m *memStore) SaveRecipient(_ context.Context, r *notifier.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.UserID] = *r
	return nil
}

type fakeUsers struct {
	loaded [][]int64
}

func (f *fakeUsers) Load(_ context.Context, ids []int64) error {
	f.loaded = append(f.loaded, ids)
	return nil
}

func (f *fakeUsers) Username(id int64) string {
	if id >= 90 {
		return ""
	}
	return fmt.Sprintf("U%d", id)
}

func (f *fakeUsers) AvatarURL(id int64) string {
	return fmt.Sprintf("https://forum.example.com/avatar/%d.png", id)
}

type sentEmail struct {
	to  string
	msg email.Message
}

type fakeEmailer struct {
	sent []sentEmail
}

func (f *fakeEmailer) SendThanks(_ context.Context, to string, msg email.Message) error {
	f.sent = append(f.sent, sentEmail{to: to, msg: msg})
	return nil
}

type sentMessage struct {
	chatID    int64
	text, url string
}

type fakeMessenger struct {
	sent []sentMessage
}

func (f *fakeMessenger) Send(_ context.Context, chatID int64, text, url string) error {
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, url: url})
	return nil
}

type fixture struct {
	svc       *Service
	store     *memStore
	users     *fakeUsers
	emailer   *fakeEmailer
	messenger *fakeMessenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bundle, err := lang.Default("en")
	if err != nil {
		t.Fatalf("lang.Default() error = %v", err)
	}
	agg, err := aggregate.New(aggregate.DefaultMaxShown)
	if err != nil {
		t.Fatal(err)
	}
	c, err := censor.New([]string{"darn"})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:     newMemStore(),
		users:     &fakeUsers{},
		emailer:   &fakeEmailer{},
		messenger: &fakeMessenger{},
	}
	f.svc, err = New(Deps{
		Store:     f.store,
		Users:     f.users,
		Emailer:   f.emailer,
		Messenger: f.messenger,
		Formatter: agg,
		Lang:      bundle,
		Censor:    c,
		BoardURL:  "https://forum.example.com",
		Logger:    slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	f.store.recipients[7] = notifier.Recipient{
		UserID:         7,
		Email:          "rider@example.com",
		ChatID:         700,
		EmailEnabled:   true,
		MessageEnabled: true,
	}
	return f
}

func thank(user, post int64) notifier.ThankEvent {
	return notifier.ThankEvent{UserID: user, PostID: post, TopicID: 9, PosterID: 7, PostSubject: "Carb & jets"}
}

func (f *fixture) thankAll(t *testing.T, post int64, users ...int64) {
	t.Helper()
	for _, u := range users {
		if err := f.svc.Thank(context.Background(), thank(u, post)); err != nil {
			t.Fatalf("Thank(%d) error = %v", u, err)
		}
	}
}

func (f *fixture) stored(t *testing.T, post int64) notifier.Aggregate {
	t.Helper()
	agg, ok := f.store.aggs[aggKey{7, post}]
	if !ok {
		t.Fatalf("no aggregate stored for post %d", post)
	}
	return agg
}

func TestNew(t *testing.T) {
	if _, err := New(Deps{}); !errors.Is(err, aggregate.ErrConfiguration) {
		t.Errorf("New() with no collaborators error = %v, want ErrConfiguration", err)
	}
}

func TestThankAggregatesAndDeliversOnce(t *testing.T) {
	f := newFixture(t)

	f.thankAll(t, 42, 1)
	agg := f.stored(t, 42)
	if diff := cmp.Diff([]notifier.ThankerRecord{{UserID: 1, NTimes: 1}}, agg.Thankers); diff != "" {
		t.Errorf("thankers after first thank (-want +got):\n%s", diff)
	}
	if agg.CreatedAt.IsZero() || !agg.CreatedAt.Equal(agg.UpdatedAt) {
		t.Errorf("new window dates created=%v updated=%v", agg.CreatedAt, agg.UpdatedAt)
	}
	created := agg.CreatedAt

	f.thankAll(t, 42, 2, 1)
	agg = f.stored(t, 42)
	want := []notifier.ThankerRecord{{UserID: 2, NTimes: 1}, {UserID: 1, NTimes: 1}}
	if diff := cmp.Diff(want, agg.Thankers); diff != "" {
		t.Errorf("thankers after repeat (-want +got):\n%s", diff)
	}
	if !agg.CreatedAt.Equal(created) || !agg.UpdatedAt.After(created) {
		t.Errorf("update changed window start or kept date: created=%v updated=%v", agg.CreatedAt, agg.UpdatedAt)
	}

	if len(f.emailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(f.emailer.sent))
	}
	got := f.emailer.sent[0]
	if got.to != "rider@example.com" {
		t.Errorf("email to %q", got.to)
	}
	if got.msg.Subject != "Thank you for the post: Carb &amp; jets" {
		t.Errorf("Subject = %q", got.msg.Subject)
	}
	if got.msg.PostThanks != "U1 has thanked you for the post" {
		t.Errorf("PostThanks = %q", got.msg.PostThanks)
	}
	if got.msg.PostSubject != "Carb & jets" || got.msg.Username != "U7" || got.msg.PosterName != "U7" {
		t.Errorf("unexpected email variables %+v", got.msg)
	}
	if got.msg.PostURL != "https://forum.example.com/viewtopic.php?p=42#p42" {
		t.Errorf("PostURL = %q", got.msg.PostURL)
	}

	if len(f.messenger.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.messenger.sent))
	}
	if m := f.messenger.sent[0]; m.chatID != 700 || m.text != `U1 has thanked you for the post "Carb & jets"` {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestThankSkipsSelfAndDisabled(t *testing.T) {
	f := newFixture(t)

	self := thank(7, 42)
	if err := f.svc.Thank(context.Background(), self); err != nil {
		t.Fatalf("Thank(self) error = %v", err)
	}
	if len(f.store.aggs) != 0 || len(f.store.history) != 0 {
		t.Error("self thank was recorded")
	}

	f.store.recipients[8] = notifier.Recipient{UserID: 8, Email: "x@example.com", EmailEnabled: true, Disabled: true}
	ev := thank(1, 43)
	ev.PosterID = 8
	if err := f.svc.Thank(context.Background(), ev); err != nil {
		t.Fatalf("Thank(disabled) error = %v", err)
	}
	if len(f.store.aggs) != 0 || len(f.emailer.sent) != 0 {
		t.Error("thank for disabled recipient was recorded")
	}
}

func TestThankWithoutPreferences(t *testing.T) {
	f := newFixture(t)
	ev := thank(1, 42)
	ev.PosterID = 8
	if err := f.svc.Thank(context.Background(), ev); err != nil {
		t.Fatalf("Thank() error = %v", err)
	}
	if _, ok := f.store.aggs[aggKey{8, 42}]; !ok {
		t.Error("notification not stored for poster without preferences")
	}
	if len(f.emailer.sent) != 0 || len(f.messenger.sent) != 0 {
		t.Error("delivered to poster without preferences")
	}
}

func TestThankRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	for _, ev := range []notifier.ThankEvent{
		{PostID: 1, PosterID: 7},
		{UserID: 1, PosterID: 7},
		{UserID: 1, PostID: 1},
		{UserID: -1, PostID: 1, PosterID: 7},
		{UserID: 1, PostID: -5, PosterID: 7},
	} {
		if err := f.svc.Thank(context.Background(), ev); !errors.Is(err, aggregate.ErrInvalidInput) {
			t.Errorf("Thank(%+v) error = %v, want ErrInvalidInput", ev, err)
		}
	}
}

func TestMarkReadRecomputesAndStartsNewWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.thankAll(t, 42, 1, 2, 1, 1, 3)
	if err := f.svc.MarkRead(ctx, 7, 42); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	agg := f.stored(t, 42)
	want := []notifier.ThankerRecord{{UserID: 3, NTimes: 1}, {UserID: 2, NTimes: 1}, {UserID: 1, NTimes: 3}}
	if diff := cmp.Diff(want, agg.Thankers); diff != "" {
		t.Errorf("thankers after read (-want +got):\n%s", diff)
	}
	if !agg.Read {
		t.Error("aggregate not marked read")
	}
	if rows, _ := f.store.History(ctx, 42); len(rows) != 0 {
		t.Errorf("history not reset: %v", rows)
	}

	// Idempotent.
	if err := f.svc.MarkRead(ctx, 7, 42); err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}
	if diff := cmp.Diff(want, f.stored(t, 42).Thankers); diff != "" {
		t.Errorf("second read changed thankers (-want +got):\n%s", diff)
	}

	f.thankAll(t, 42, 5)
	agg = f.stored(t, 42)
	if diff := cmp.Diff([]notifier.ThankerRecord{{UserID: 5, NTimes: 1}}, agg.Thankers); diff != "" {
		t.Errorf("thankers of new window (-want +got):\n%s", diff)
	}
	if agg.Read {
		t.Error("new window is read")
	}
	if len(f.emailer.sent) != 2 {
		t.Errorf("sent %d emails, want one per window", len(f.emailer.sent))
	}
}

func TestMarkReadNotFound(t *testing.T) {
	f := newFixture(t)
	f.thankAll(t, 42, 1)

	if err := f.svc.MarkRead(context.Background(), 7, 43); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead(missing post) error = %v, want ErrNotFound", err)
	}
	if err := f.svc.MarkRead(context.Background(), 8, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead(foreign recipient) error = %v, want ErrNotFound", err)
	}
	if err := f.svc.MarkRead(context.Background(), 0, 42); !errors.Is(err, aggregate.ErrInvalidInput) {
		t.Errorf("MarkRead(no recipient) error = %v, want ErrInvalidInput", err)
	}
	if err := f.svc.MarkRead(context.Background(), 7, -42); !errors.Is(err, aggregate.ErrInvalidInput) {
		t.Errorf("MarkRead(negative post) error = %v, want ErrInvalidInput", err)
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.thankAll(t, 42, 1, 2, 1, 1, 3)
	if err := f.svc.MarkRead(ctx, 7, 42); err != nil {
		t.Fatal(err)
	}
	f.thankAll(t, 43, 4)
	f.thankAll(t, 44, 1, 2, 3, 4, 95, 4)

	views, err := f.svc.Notifications(ctx, 7, language.English)
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d views, want 3", len(views))
	}

	var order []int64
	for _, v := range views {
		order = append(order, v.ItemID)
	}
	if diff := cmp.Diff([]int64{44, 43, 42}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	busy, single, read := views[0], views[1], views[2]

	if want := "<strong>Received thanks</strong> from Unknown user, U4 (2), U3 and 2 others (5 users) for:"; busy.Title != want {
		t.Errorf("busy title = %q, want %q", busy.Title, want)
	}
	if busy.AvatarURL != "" {
		t.Errorf("avatar shown for several thankers: %q", busy.AvatarURL)
	}

	if single.Title != "<strong>Received thanks</strong> from U4 for:" {
		t.Errorf("single title = %q", single.Title)
	}
	if single.AvatarURL != "https://forum.example.com/avatar/4.png" {
		t.Errorf("single avatar = %q", single.AvatarURL)
	}
	if single.Reference != `"Carb &amp; jets"` {
		t.Errorf("Reference = %q", single.Reference)
	}
	if single.URL != "https://forum.example.com/viewtopic.php?p=43#p43" || single.ItemParentID != 9 {
		t.Errorf("unexpected link fields %+v", single)
	}

	if !read.Read || read.Title != "<strong>Received thanks</strong> from U3, U2 and U1 (3) (3 users) for:" {
		t.Errorf("read view = %+v", read)
	}

	// Every thanker is resolved in one batch.
	last := f.users.loaded[len(f.users.loaded)-1]
	if len(last) != 3+1+5 {
		t.Errorf("batch load of %d ids, want 9", len(last))
	}
}

func TestNotificationsCensorsSubject(t *testing.T) {
	f := newFixture(t)
	ev := thank(1, 42)
	ev.PostSubject = "darn <carb>"
	if err := f.svc.Thank(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	views, err := f.svc.Notifications(context.Background(), 7, language.English)
	if err != nil {
		t.Fatal(err)
	}
	if got := views[0].Reference; got != `"**** &lt;carb&gt;"` {
		t.Errorf("Reference = %q", got)
	}
	if strings.Contains(f.emailer.sent[0].msg.Subject, "darn") {
		t.Errorf("email subject not censored: %q", f.emailer.sent[0].msg.Subject)
	}
}

func TestUpdateRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.UpdateRecipient(ctx, notifier.Recipient{UserID: 9, Lang: "UK", EmailEnabled: true}); err != nil {
		t.Fatalf("UpdateRecipient() error = %v", err)
	}
	if r := f.store.recipients[9]; r.Lang != "uk" || !r.EmailEnabled {
		t.Errorf("stored recipient %+v", r)
	}

	for _, r := range []notifier.Recipient{{}, {UserID: 9, Lang: "not a tag!"}} {
		if err := f.svc.UpdateRecipient(ctx, r); !errors.Is(err, aggregate.ErrInvalidInput) {
			t.Errorf("UpdateRecipient(%+v) error = %v, want ErrInvalidInput", r, err)
		}
	}
}

func TestDeliveryUsesRecipientLanguage(t *testing.T) {
	f := newFixture(t)
	r := f.store.recipients[7]
	r.Lang = "uk"
	f.store.recipients[7] = r

	f.thankAll(t, 42, 1)
	if len(f.emailer.sent) != 1 {
		t.Fatalf("sent %d emails", len(f.emailer.sent))
	}
	msg := f.emailer.sent[0].msg
	if msg.Lang != "uk" {
		t.Errorf("Lang = %q", msg.Lang)
	}
	if msg.PostThanks != "U1 подякував вам за повідомлення" {
		t.Errorf("PostThanks = %q", msg.PostThanks)
	}
}

// blockingEmailer holds every send until release is closed.
type blockingEmailer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEmailer) SendThanks(ctx context.Context, _ string, _ email.Message) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowDeliveryDoesNotBlockOtherPosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.thankAll(t, 99, 2)

	slow := &blockingEmailer{started: make(chan struct{}), release: make(chan struct{})}
	f.svc.emailer = slow
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(slow.release) }) }
	defer release()

	thankDone := make(chan error, 1)
	go func() { thankDone <- f.svc.Thank(ctx, thank(1, 10)) }()

	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("email for post 10 was never sent")
	}

	readDone := make(chan error, 1)
	go func() { readDone <- f.svc.MarkRead(ctx, 7, 99) }()
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("MarkRead(99) error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("MarkRead on post 99 waited for the email on post 10")
	}
	if !f.stored(t, 99).Read {
		t.Error("post 99 not marked read")
	}

	release()
	if err := <-thankDone; err != nil {
		t.Fatalf("Thank(10) error = %v", err)
	}
}

// flakyResetStore fails ResetHistory while fail is set.
type flakyResetStore struct {
	*memStore
	fail bool
}

func (s *flakyResetStore) ResetHistory(ctx context.Context, postID int64) error {
	if s.fail {
		return errors.New("bucket unavailable")
	}
	return s.memStore.ResetHistory(ctx, postID)
}

func TestNewWindowIgnoresHistoryLeftByFailedReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := &flakyResetStore{memStore: f.store, fail: true}
	f.svc.store = store

	f.thankAll(t, 42, 1, 1, 1)
	if err := f.svc.MarkRead(ctx, 7, 42); err == nil {
		t.Fatal("MarkRead() succeeded although the history reset failed")
	}
	if !f.stored(t, 42).Read {
		t.Fatal("aggregate not marked read")
	}
	if err := f.svc.MarkRead(ctx, 7, 42); err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}

	store.fail = false
	f.thankAll(t, 42, 1)

	rows, err := store.History(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]notifier.ThankerRecord{{UserID: 1, NTimes: 1}}, rows); diff != "" {
		t.Errorf("history of new window (-want +got):\n%s", diff)
	}

	views, err := f.svc.Notifications(ctx, 7, language.English)
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	if want := "<strong>Received thanks</strong> from U1 for:"; views[0].Title != want {
		t.Errorf("title = %q, want %q", views[0].Title, want)
	}
}
