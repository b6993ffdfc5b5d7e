package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matheditor/api/internal/auth"
	"matheditor/api/internal/authpw"
	"matheditor/api/internal/export"
	"matheditor/api/internal/store"
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
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeData(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Database unavailable", nil)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
			Handle   string `json:"handle"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Register(r.Context(), body.Email, body.Password, body.Name, body.Handle)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/session" {
		session, ok := s.optionalSession(r)
		if !ok {
			writeData(w, http.StatusOK, map[string]any{"user": nil})
			return
		}
		payload, err := s.service.SessionUser(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, parts)
		return
	case "documents":
		s.handleDocuments(w, r, parts)
		return
	case "revisions":
		s.handleRevisions(w, r, parts)
		return
	case "usage":
		if len(parts) == 2 && r.Method == http.MethodGet {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			payload, err := s.service.Usage(r.Context(), session)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		}
	case "utility":
		s.handleUtility(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodGet {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ListUsers(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 {
		idOrHandle := parts[2]
		switch r.Method {
		case http.MethodGet:
			session, _ := s.optionalSession(r)
			payload, err := s.service.GetUser(r.Context(), session, idOrHandle)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodPut:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var input UpdateUserInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateUser(r.Context(), session, idOrHandle, input)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteUser(r.Context(), session, idOrHandle); err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"deleted": idOrHandle})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "avatar" {
		userID := parts[2]
		switch r.Method {
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			contentType := r.Header.Get("Content-Type")
			if !strings.HasPrefix(contentType, "image/") {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "avatar must be an image", nil)
				return
			}
			payload, err := s.service.UploadAvatar(r.Context(), session, userID, contentType, r.Body, r.ContentLength)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodGet:
			body, contentType, err := s.service.GetAvatar(r.Context(), userID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			defer body.Close()
			w.Header().Set("Content-Type", contentType)
			_, _ = io.Copy(w, body)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			page, pageSize, err := pageParams(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			payload, err := s.service.ListPublished(r.Context(), page, pageSize)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var input CreateDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateDocument(r.Context(), session, input)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 3 && parts[2] == "mine" && r.Method == http.MethodGet {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		page, pageSize, err := pageParams(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.ListMine(r.Context(), session, page, pageSize)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodGet {
		page, pageSize, err := pageParams(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		payload, err := s.service.SearchDocuments(r.Context(), q, page, pageSize)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[2] == "by-handle" && r.Method == http.MethodGet {
		session, _ := s.optionalSession(r)
		payload, err := s.service.GetDocumentByHandle(r.Context(), session, parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	// Fork: POST /api/documents/new/{id}
	if len(parts) == 4 && parts[2] == "new" && r.Method == http.MethodPost {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		payload, err := s.service.Fork(r.Context(), session, parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusCreated, payload)
		return
	}

	if len(parts) == 3 {
		documentID := parts[2]
		switch r.Method {
		case http.MethodGet:
			session, _ := s.optionalSession(r)
			payload, err := s.service.GetDocument(r.Context(), session, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodPut:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var input UpdateDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateDocument(r.Context(), session, documentID, input)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteDocument(r.Context(), session, documentID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"deleted": documentID})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "coauthors" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		documentID := parts[2]
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		switch r.Method {
		case http.MethodPost:
			payload, err := s.service.AddCoauthor(r.Context(), session, documentID, body.Email)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusCreated, payload)
			return
		case http.MethodDelete:
			payload, err := s.service.RemoveCoauthor(r.Context(), session, documentID, body.Email)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "head" && r.Method == http.MethodPut {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			RevisionID string `json:"revisionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.RevisionID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "revisionId is required", nil)
			return
		}
		payload, err := s.service.MoveHead(r.Context(), session, parts[2], body.RevisionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			session, _ := s.optionalSession(r)
			documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
			if documentID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
				return
			}
			payload, err := s.service.ListRevisions(r.Context(), session, documentID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				DocumentID string          `json:"documentId"`
				Data       json.RawMessage `json:"data"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.DocumentID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
				return
			}
			payload, err := s.service.CreateRevision(r.Context(), session, body.DocumentID, body.Data)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 3 {
		revisionID := parts[2]
		switch r.Method {
		case http.MethodGet:
			session, _ := s.optionalSession(r)
			payload, err := s.service.GetRevision(r.Context(), session, revisionID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, payload)
			return
		case http.MethodDelete:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteRevision(r.Context(), session, revisionID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"deleted": revisionID})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUtility(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 4 && (parts[2] == "pdf" || parts[2] == "docx") && r.Method == http.MethodGet {
		session, _ := s.optionalSession(r)
		format := export.Format(parts[2])
		result, err := s.service.ExportDocument(r.Context(), session, parts[3], format)
		if err != nil {
			if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
				writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependency not installed", nil)
				return
			}
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)
		return
	}

	if len(parts) == 4 && parts[2] == "og" && r.Method == http.MethodGet {
		session, _ := s.optionalSession(r)
		result, err := s.service.OGCard(r.Context(), session, parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(result.Data)
		return
	}

	if len(parts) == 3 && parts[2] == "completion" && r.Method == http.MethodPost {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
			return
		}
		data, status, err := s.service.Completion(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}

	if len(parts) == 4 && parts[2] == "revalidate" && r.Method == http.MethodPost {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		payload, err := s.service.Revalidate(r.Context(), session, parts[3])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeData(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession parses the bearer token when present. Endpoints that serve
// public content use it so a signed-in caller also sees their private rows.
func (s *HTTPServer) optionalSession(r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
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

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"data":    data,
		"success": true,
	})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"data":    nil,
		"success": false,
		"message": message,
		"code":    code,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	}
	if errors.Is(err, authpw.ErrAccountDisabled) {
		return http.StatusForbidden, "ACCOUNT_DISABLED", "Account disabled", nil
	}
	if errors.Is(err, authpw.ErrEmailTaken) {
		return http.StatusConflict, "CONFLICT", "Email already registered", nil
	}
	if errors.Is(err, authpw.ErrHandleTaken) {
		return http.StatusConflict, "CONFLICT", "Handle already taken", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
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

func pageParams(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, 10
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("page must be an integer")
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("pageSize must be an integer")
		}
	}
	return page, pageSize, nil
}
