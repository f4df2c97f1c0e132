package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/export"
	"folio/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		s.handleAuthVerifyEmail(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		s.handleAuthRequestReset(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		s.handleAuthResetPassword(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"platformRole":  session.PlatformRole,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  session.Token,
			"refreshToken": session.RefreshToken,
			"userName":     session.UserName,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		bookID := strings.TrimSpace(r.URL.Query().Get("bookId"))
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}

		payload, err := s.service.Search(r.Context(), session, q, filterType, bookID, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/books" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListBooks(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"books": items})
		case http.MethodPost:
			var body BookInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateBook(r.Context(), session, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.URL.Path == "/api/llm/providers" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListLLMProviders(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"providers": items})
		case http.MethodPost:
			var body ProviderInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SaveLLMProvider(r.Context(), session, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/llm/calls" {
		chapterID := strings.TrimSpace(r.URL.Query().Get("chapterId"))
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		items, err := s.service.ListLLMCalls(r.Context(), session, chapterID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/llm/test" {
		payload, err := s.service.TestLLMConnection(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "books" {
		s.handleBooks(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "chapters" {
		s.handleChapters(w, r, session, parts[2], parts[3:])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "assignments" {
		s.handleAssignmentAction(w, r, session, parts[2], parts[3])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBooks(w http.ResponseWriter, r *http.Request, session Session, bookID string, rest []string) {
	respond := func(payload any, err error) {
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetBookDetail(r.Context(), session, bookID)
			respond(payload, err)
		case http.MethodPut:
			var body BookInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateBook(r.Context(), session, bookID, body)
			respond(payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "publish":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.PublishBook(r.Context(), session, bookID)
		respond(payload, err)

	case "schedule":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			PublishAt time.Time `json:"publishAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ScheduleBook(r.Context(), session, bookID, body.PublishAt)
		respond(payload, err)

	case "archive":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.ArchiveBook(r.Context(), session, bookID)
		respond(payload, err)

	case "chapters":
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListBookChapters(r.Context(), session, bookID)
			respond(map[string]any{"chapters": items}, err)
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateChapter(r.Context(), session, bookID, body.Title)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "collaborators":
		switch {
		case r.Method == http.MethodGet && len(rest) == 1:
			items, err := s.service.ListBookCollaborators(r.Context(), session, bookID)
			respond(map[string]any{"collaborators": items}, err)
		case r.Method == http.MethodPost && len(rest) == 1:
			var body struct {
				Email string `json:"email"`
				Role  string `json:"role"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.AddCollaborator(r.Context(), session, bookID, body.Email, body.Role)
			respond(map[string]any{"collaborators": items}, err)
		case r.Method == http.MethodDelete && len(rest) == 2:
			items, err := s.service.RemoveBookCollaborator(r.Context(), session, bookID, rest[1])
			respond(map[string]any{"collaborators": items}, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "changelog":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		filter := store.ChangeLogFilter{
			ChapterID: strings.TrimSpace(r.URL.Query().Get("chapterId")),
			Language:  strings.TrimSpace(r.URL.Query().Get("language")),
			Action:    strings.TrimSpace(r.URL.Query().Get("action")),
			Actor:     strings.TrimSpace(r.URL.Query().Get("actor")),
			Limit:     limit,
		}
		items, err := s.service.BookChangeLog(r.Context(), session, bookID, filter)
		respond(map[string]any{"entries": items}, err)

	case "assignments":
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListBookAssignments(r.Context(), session, bookID)
			respond(map[string]any{"assignments": items}, err)
		case http.MethodPost:
			var body AssignmentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateAssignment(r.Context(), session, bookID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "summarize":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.SummarizeBook(r.Context(), session, bookID)
		respond(payload, err)

	case "export":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		result, err := s.service.ExportBook(
			r.Context(),
			session,
			bookID,
			r.URL.Query().Get("language"),
			r.URL.Query().Get("format"),
		)
		if err != nil {
			if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
				writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependency missing on this host", nil)
				return
			}
			if errors.Is(err, export.ErrContentUnavailable) {
				writeError(w, http.StatusUnprocessableEntity, "NO_CONTENT", "No chapter content in that language", nil)
				return
			}
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChapters(w http.ResponseWriter, r *http.Request, session Session, chapterID string, rest []string) {
	respond := func(payload any, err error) {
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.GetChapterDetail(r.Context(), session, chapterID)
		respond(payload, err)
		return
	}

	switch rest[0] {
	case "content":
		switch r.Method {
		case http.MethodGet:
			version, err := queryInt(r, "version", 0)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be an integer", nil)
				return
			}
			payload, err := s.service.GetChapterContent(r.Context(), session, chapterID, r.URL.Query().Get("language"), version)
			respond(payload, err)
		case http.MethodPut:
			var body ContentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SaveChapterContent(r.Context(), session, chapterID, r.URL.Query().Get("language"), body)
			respond(payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "raw":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		version, err := queryInt(r, "version", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be an integer", nil)
			return
		}
		raw, err := s.service.GetChapterRaw(r.Context(), session, chapterID, r.URL.Query().Get("language"), version)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(raw))

	case "versions":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		items, err := s.service.ListContentVersions(r.Context(), session, chapterID, r.URL.Query().Get("language"))
		respond(map[string]any{"versions": items}, err)

	case "diff":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		fromVersion, err := queryInt(r, "fromVersion", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fromVersion must be an integer", nil)
			return
		}
		toVersion, err := queryInt(r, "toVersion", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "toVersion must be an integer", nil)
			return
		}
		payload, err := s.service.DiffVersions(
			r.Context(),
			session,
			chapterID,
			r.URL.Query().Get("fromLanguage"),
			fromVersion,
			r.URL.Query().Get("toLanguage"),
			toVersion,
		)
		respond(payload, err)

	case "media":
		if len(rest) == 2 && rest[1] == "sync" {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			payload, err := s.service.SyncChapterMedia(r.Context(), session, chapterID, r.URL.Query().Get("language"))
			respond(payload, err)
			return
		}
		switch {
		case r.Method == http.MethodGet && len(rest) == 1:
			items, err := s.service.ListChapterMedia(r.Context(), session, chapterID)
			respond(map[string]any{"media": items}, err)
		case r.Method == http.MethodPost && len(rest) == 1:
			var body MediaInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.AddMediaItem(r.Context(), session, chapterID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		case r.Method == http.MethodDelete && len(rest) == 2:
			if err := s.service.RemoveMediaItem(r.Context(), session, chapterID, rest[1]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "translate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Language string `json:"language"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.TranslateChapter(r.Context(), session, chapterID, body.Language)
		respond(payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAssignmentAction(w http.ResponseWriter, r *http.Request, session Session, assignmentID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	var payload map[string]any
	var err error
	switch action {
	case "submit":
		payload, err = s.service.SubmitAssignment(r.Context(), session, assignmentID)
	case "approve":
		payload, err = s.service.ApproveAssignment(r.Context(), session, assignmentID)
	case "reject":
		var body struct {
			Note string `json:"note"`
		}
		if decodeErr := decodeBody(r, &body); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
			return
		}
		payload, err = s.service.RejectAssignment(r.Context(), session, assignmentID, body.Note)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// Auth handlers for email/password authentication

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := authSvc.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	emailConfigured := s.service.SMTPConfigured()

	response := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	// Dev bypass: include verification token in response when email not configured
	if !emailConfigured {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}

	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	resp, err := authSvc.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), resp.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"platformRole": session.PlatformRole,
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := authSvc.VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully",
	})
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, _ := authSvc.RequestPasswordReset(r.Context(), body.Email)

	emailConfigured := s.service.SMTPConfigured()

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	// Dev bypass: include reset token in response when email not configured
	if !emailConfigured && token != "" {
		response["devResetToken"] = token
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	authSvc := s.service.AuthPasswordService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := authSvc.ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		writeError(w, http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
