package app

import (
	"net/http"
	"strings"

	"hemtjanst/api/internal/rbac"
)

func (s *HTTPServer) handleFunction(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Use POST", nil)
		return
	}

	switch name {
	case "quote-question":
		var body QuoteQuestionInput
		if !decodeFunctionBody(w, r, &body) {
			return
		}
		body.Token = tokenFromQuery(r, body.Token)
		if err := s.service.AskQuoteQuestion(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "quote-reject":
		var body QuoteRejectInput
		if !decodeFunctionBody(w, r, &body) {
			return
		}
		body.Token = tokenFromQuery(r, body.Token)
		if err := s.service.RejectQuote(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "quote-remind":
		var body QuoteRemindInput
		if !decodeFunctionBody(w, r, &body) {
			return
		}
		body.Token = tokenFromQuery(r, body.Token)
		remindAt, err := s.service.ScheduleQuoteReminder(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "remind_at": remindAt})

	case "dispatch-project":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, rbac.ActionDispatch) {
			s.forbid(w, r, session, rbac.ActionDispatch)
			return
		}
		var body DispatchInput
		if !decodeFunctionBody(w, r, &body) {
			return
		}
		if err := s.service.DispatchProject(r.Context(), body); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "request-workers-for-job":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, rbac.ActionDispatch) {
			s.forbid(w, r, session, rbac.ActionDispatch)
			return
		}
		var body RequestWorkersInput
		if !decodeFunctionBody(w, r, &body) {
			return
		}
		count, err := s.service.RequestWorkers(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown function", nil)
	}
}

func decodeFunctionBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

// tokenFromQuery prefers the body token and falls back to ?token=.
func tokenFromQuery(r *http.Request, bodyToken string) string {
	if strings.TrimSpace(bodyToken) != "" {
		return bodyToken
	}
	return r.URL.Query().Get("token")
}
