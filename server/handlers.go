package server

import (
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"thanks-notifier/aggregate"
	"thanks-notifier/pkg/notifier"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func (s *Server) handleThanks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev notifier.ThankEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.dispatcher.Thank(r.Context(), ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := positiveID(r.URL.Query().Get("user_id"), "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tag := s.languages.Match(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))

	views, err := s.dispatcher.Notifications(r.Context(), userID, tag)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Language", tag.String())
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	userID, err := positiveID(r.FormValue("user_id"), "user_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	postID, err := positiveID(r.FormValue("post_id"), "post_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.dispatcher.MarkRead(r.Context(), userID, postID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleRecipient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rec notifier.Recipient
	if err := decodeJSON(w, r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec.Email = strings.TrimSpace(rec.Email)
	if rec.EmailEnabled && !isValidEmail(rec.Email) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.UpdateRecipient(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func positiveID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s %q: %w", name, raw, aggregate.ErrInvalidInput)
	}
	return id, nil
}

func isValidEmail(addr string) bool {
	if len(addr) < 3 || len(addr) > 254 {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil && emailRegex.MatchString(addr)
}
