package app

import (
	"net/http"
	"strconv"
	"time"

	"hemtjanst/api/internal/rbac"
)

func (s *HTTPServer) handleFlags(w http.ResponseWriter, r *http.Request, parts []string) {
	if s.service.flags == nil {
		writeError(w, http.StatusServiceUnavailable, "FLAGS_UNAVAILABLE", "Feature flags are not enabled", nil)
		return
	}

	// Evaluation is public so the site can gate features before sign-in.
	if len(parts) == 2 && parts[1] == "evaluate" && r.Method == http.MethodGet {
		evaluation, err := s.service.flags.Evaluate(r.Context(), parts[0], r.URL.Query().Get("scope"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, evaluation)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionReadDraft) {
			s.forbid(w, r, session, rbac.ActionReadDraft)
			return
		}
	} else if !s.service.Can(session.Role, rbac.ActionManageFlags) {
		s.forbid(w, r, session, rbac.ActionManageFlags)
		return
	}

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		items, err := s.service.flags.List(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flags": items})

	case len(parts) == 3 && parts[0] == "schedule" && parts[2] == "cancel" && r.Method == http.MethodPost:
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "schedule id must be numeric", nil)
			return
		}
		change, err := s.service.flags.Cancel(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, change)

	case len(parts) == 1 && r.Method == http.MethodGet:
		detail, err := s.service.flags.Get(r.Context(), parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Enabled     *bool  `json:"enabled"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required", nil)
			return
		}
		flag, err := s.service.flags.SetEnabled(r.Context(), parts[0], *body.Enabled, body.Description, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, flag)

	case len(parts) == 3 && parts[1] == "overrides" && r.Method == http.MethodPut:
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required", nil)
			return
		}
		if err := s.service.flags.SetOverride(r.Context(), parts[0], parts[2], *body.Enabled); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 3 && parts[1] == "overrides" && r.Method == http.MethodDelete:
		if err := s.service.flags.ClearOverride(r.Context(), parts[0], parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "schedule" && r.Method == http.MethodPost:
		var body struct {
			Enabled *bool     `json:"enabled"`
			At      time.Time `json:"at"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required", nil)
			return
		}
		change, err := s.service.flags.Schedule(r.Context(), parts[0], *body.Enabled, body.At, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, change)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
