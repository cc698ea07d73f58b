// Package userload resolves forum user IDs to display names and avatars.
package userload

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// User is a resolved forum member. Name is HTML-escaped.
type User struct {
	Name      string
	AvatarURL string
	ID        int64
	Known     bool
}

// HTTPStatusError indicates a profile request that should not be retried.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// IsPermanent reports whether err means the profile will not become available by retrying.
func IsPermanent(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr)
}

// Forum loads members from the board's public profile pages and caches them.
type Forum struct {
	client  *http.Client
	logger  *slog.Logger
	users   map[int64]User
	baseURL string
	mu      sync.RWMutex
}

// NewForum creates a loader for the board at baseURL.
func NewForum(client *http.Client, baseURL string, logger *slog.Logger) *Forum {
	return &Forum{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		users:   make(map[int64]User),
	}
}

// Load fetches every id not already cached. Profiles that cannot be fetched
// are cached as unknown users; only context cancellation is returned.
func (f *Forum) Load(ctx context.Context, ids []int64) error {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true

		f.mu.RLock()
		_, cached := f.users[id]
		f.mu.RUnlock()
		if cached {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		u, err := f.fetchProfile(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("Failed to load user profile", "user_id", id, "permanent", IsPermanent(err), "error", err)
			if !IsPermanent(err) {
				// Try again on the next render.
				continue
			}
			u = User{ID: id}
		}

		f.mu.Lock()
		f.users[id] = u
		f.mu.Unlock()
	}
	return nil
}

// Username returns the escaped name of id, or "" if it is not known.
func (f *Forum) Username(id int64) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.users[id].Name
}

// AvatarURL returns the avatar of id, or "" if none is known.
func (f *Forum) AvatarURL(id int64) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.users[id].AvatarURL
}

func (f *Forum) profileURL(id int64) string {
	return f.baseURL + "/memberlist.php?mode=viewprofile&u=" + strconv.FormatInt(id, 10)
}

func (f *Forum) fetchProfile(ctx context.Context, id int64) (User, error) {
	profileURL := f.profileURL(id)
	var user User

	err := retry.Do(
		func() error {
			f.logger.Info("HTTP request starting",
				"method", "GET",
				"url", profileURL,
				"purpose", "fetch_user_profile")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			startTime := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				f.logger.Warn("HTTP request failed, will retry",
					"url", profileURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			f.logger.Info("HTTP request completed",
				"url", profileURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
				return &HTTPStatusError{URL: profileURL, Status: resp.StatusCode}
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			user, err = parseProfile(resp.Body, id, profileURL)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying profile fetch after error", "attempt", n, "user_id", id, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err)
		}),
	)
	if err != nil {
		return User{}, fmt.Errorf("after retries: %w", err)
	}
	return user, nil
}

// parseProfile extracts the member name and avatar from a profile page.
func parseProfile(body io.Reader, id int64, pageURL string) (User, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return User{}, err
	}

	name := strings.TrimSpace(doc.Find("dl.details dd span.username, dl.details dd span.username-coloured").First().Text())
	if name == "" {
		// Fallback: "Viewing profile - name" page heading
		heading := strings.TrimSpace(doc.Find("h2.memberlist-title, h2").First().Text())
		if idx := strings.LastIndex(heading, " - "); idx >= 0 {
			name = strings.TrimSpace(heading[idx+3:])
		}
	}
	if name == "" {
		return User{}, fmt.Errorf("no username found on profile page %s", pageURL)
	}

	var avatar string
	if src, ok := doc.Find("img.avatar").First().Attr("src"); ok {
		avatar = resolveURL(pageURL, src)
	}

	return User{
		ID:        id,
		Name:      html.EscapeString(name),
		AvatarURL: avatar,
		Known:     true,
	}, nil
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	resolved := b.ResolveReference(r)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// Static serves a fixed set of users, for local development and tests.
type Static struct {
	users map[int64]User
}

// NewStatic creates a loader from a name table. Names are escaped here.
func NewStatic(names map[int64]string) *Static {
	s := &Static{users: make(map[int64]User, len(names))}
	for id, name := range names {
		s.users[id] = User{ID: id, Name: html.EscapeString(name), Known: true}
	}
	return s
}

// Load is a no-op; every user is already in memory.
func (s *Static) Load(ctx context.Context, ids []int64) error {
	return ctx.Err()
}

// Username returns the escaped name of id, or "".
func (s *Static) Username(id int64) string {
	return s.users[id].Name
}

// AvatarURL always returns "" for static users.
func (s *Static) AvatarURL(id int64) string {
	return ""
}
