package app

import (
	"net/http"
	"strings"

	"hemtjanst/api/internal/content"
	"hemtjanst/api/internal/editmode"
	"hemtjanst/api/internal/rbac"
	"hemtjanst/api/internal/search"
)

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		locale := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("locale")))
		writeJSON(w, http.StatusOK, s.service.PublishedContent(locale))
		return
	}
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	key, locale := parts[0], strings.ToLower(parts[1])

	if len(parts) == 2 && r.Method == http.MethodGet {
		session, signedIn := s.optionalSession(r)
		canReadDraft := signedIn && s.service.Can(session.Role, rbac.ActionReadDraft)
		payload, err := s.service.ContentBlock(r.Context(), key, locale, canReadDraft)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPatch {
		if !s.service.Can(session.Role, rbac.ActionEditContent) {
			s.forbid(w, r, session, rbac.ActionEditContent)
			return
		}
		var body struct {
			Fields      content.Fields `json:"fields"`
			BaseVersion *int           `json:"baseVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Fields) == 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "fields is required", nil)
			return
		}
		block, err := s.service.UpdateDraft(r.Context(), session, key, locale, body.Fields, body.BaseVersion)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, block)
		return
	}

	if len(parts) == 3 && parts[2] == "publish" && r.Method == http.MethodPost {
		if !s.service.Can(session.Role, rbac.ActionPublish) {
			s.forbid(w, r, session, rbac.ActionPublish)
			return
		}
		block, err := s.service.Publish(r.Context(), session, key, locale)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, block)
		return
	}

	if len(parts) >= 3 && parts[2] == "history" && r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionReadDraft) {
			s.forbid(w, r, session, rbac.ActionReadDraft)
			return
		}
		if len(parts) == 3 {
			items, err := s.service.ContentHistory(key, locale, queryInt(r, "limit", 50))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "locale": locale, "history": items})
			return
		}
		if len(parts) == 4 {
			snapshot, commit, err := s.service.ContentAt(key, locale, parts[3])
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"commit": commit, "fields": snapshot.Fields})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:   text,
		Locale: strings.ToLower(query.Get("locale")),
		Limit:  limit,
		Offset: queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "session" {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Mode string `json:"mode"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			sess, err := s.service.OpenEditSession(session, editmode.ParseViewMode(body.Mode))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, editStatus(sess))
		case http.MethodDelete:
			closed := s.service.CloseEditSession(r.Context(), session)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "closed": closed})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	sess, err := s.service.EditSession(session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	controller := sess.Controller

	switch {
	case len(parts) == 1 && parts[0] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, editStatus(sess))

	case len(parts) == 1 && parts[0] == "staged" && r.Method == http.MethodPut:
		var body struct {
			Scope string         `json:"scope"`
			Patch content.Fields `json:"patch"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := controller.StageChange(body.Scope, body.Patch); err != nil {
			s.fail(w, r, err)
			return
		}
		staged, _ := controller.Staged(body.Scope)
		writeJSON(w, http.StatusOK, map[string]any{"scope": body.Scope, "staged": staged, "unsavedChanges": controller.HasUnsavedChanges()})

	case len(parts) == 1 && parts[0] == "staged" && r.Method == http.MethodDelete:
		controller.Discard(r.URL.Query().Get("scope"))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unsavedChanges": controller.HasUnsavedChanges()})

	case len(parts) == 1 && parts[0] == "effective" && r.Method == http.MethodGet:
		scope := r.URL.Query().Get("scope")
		fields, err := controller.EffectiveContent(scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "mode": controller.Mode(), "fields": fields})

	case len(parts) == 1 && parts[0] == "commit" && r.Method == http.MethodPost:
		var body struct {
			Scope string `json:"scope"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		block, err := controller.Commit(r.Context(), body.Scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"block": block, "unsavedChanges": controller.HasUnsavedChanges()})

	case len(parts) == 1 && parts[0] == "locks" && r.Method == http.MethodPost:
		if !controller.CanEdit() {
			s.fail(w, r, editmode.ErrNotEditor)
			return
		}
		var body struct {
			Scope string `json:"scope"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := sess.AcquireLock(r.Context(), body.Scope)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[0] == "locks" && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		lost := sess.Heartbeat(r.Context())
		if lost == nil {
			lost = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"locks": sess.Locks.Scopes(), "lost": lost})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
