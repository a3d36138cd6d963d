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

	"atelier/api/internal/change"
	"atelier/api/internal/search"
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

	// Everything below acts on behalf of a caller. Identity is established
	// upstream; the gateway forwards the authenticated user id.
	callerID := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing X-Actor-ID header", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "search":
		s.handleSearch(w, r)

	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "change-proposals":
		projectID := parts[2]
		switch r.Method {
		case http.MethodPost:
			s.handleCreateProposal(w, r, callerID, projectID)
		case http.MethodGet:
			s.handleListProposals(w, r, callerID, projectID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "projects" && parts[3] == "branches":
		s.handleListBranches(w, r, callerID, parts[2])

	case r.Method == http.MethodPost && len(parts) == 3 && parts[1] == "change-proposals" && parts[2] == "delete":
		s.handleDeleteProposals(w, r, callerID)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "change-proposals":
		s.handleGetProposal(w, r, callerID, parts[2])

	case len(parts) == 4 && parts[1] == "change-proposals":
		proposalID := parts[2]
		switch {
		case r.Method == http.MethodPut && parts[3] == "read-me":
			s.handleUpdateReadMe(w, r, callerID, proposalID)
		case r.Method == http.MethodPut && parts[3] == "status":
			s.handleUpdateStatus(w, r, callerID, proposalID)
		case r.Method == http.MethodPost && parts[3] == "resources":
			s.handleAddResources(w, r, callerID, proposalID)
		case r.Method == http.MethodDelete && parts[3] == "resources":
			s.handleRemoveResources(w, r, callerID, proposalID)
		case r.Method == http.MethodPost && parts[3] == "reviews":
			s.handlePerformReview(w, r, callerID, proposalID)
		case r.Method == http.MethodGet && parts[3] == "reviews":
			s.handleListReviews(w, r, callerID, proposalID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "changes" && parts[3] == "resources":
		s.handleChangeResources(w, r, callerID, parts[2])

	case r.Method == http.MethodPut && len(parts) == 4 && parts[1] == "branches" && parts[3] == "head":
		s.handleMoveBranchHead(w, r, callerID, parts[2])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request, callerID, projectID string) {
	var body struct {
		Name        string   `json:"name"`
		ResourceIDs []string `json:"resourceIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.CreateChangeProposal(r.Context(), callerID, projectID, body.Name, body.ResourceIDs)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request, callerID, projectID string) {
	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 20)
	proposals, total, err := s.service.ListChangeProposals(r.Context(), callerID, projectID, page, size)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if proposals == nil {
		proposals = []change.ChangeProposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changeProposals": proposals,
		"total":           total,
		"page":            page,
		"size":            size,
	})
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	proposal, err := s.service.GetChangeProposal(r.Context(), callerID, proposalID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleUpdateReadMe(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.UpdateReadMe(r.Context(), callerID, proposalID, body.Content)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.UpdateStatus(r.Context(), callerID, proposalID, change.Status(body.Status))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleAddResources(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	var body struct {
		ResourceIDs []string `json:"resourceIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.AddResources(r.Context(), callerID, proposalID, body.ResourceIDs)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleRemoveResources(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	var body struct {
		LinkIDs []string `json:"linkIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.RemoveResources(r.Context(), callerID, proposalID, body.LinkIDs)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handlePerformReview(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	var body struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	proposal, err := s.service.PerformReview(r.Context(), callerID, proposalID, body.Message, change.ReviewStatus(body.Status))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleListReviews(w http.ResponseWriter, r *http.Request, callerID, proposalID string) {
	reviews, err := s.service.ListReviews(r.Context(), callerID, proposalID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *HTTPServer) handleDeleteProposals(w http.ResponseWriter, r *http.Request, callerID string) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	if err := s.service.DeleteChangeProposals(r.Context(), callerID, body.IDs); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": len(body.IDs)})
}

func (s *HTTPServer) handleChangeResources(w http.ResponseWriter, r *http.Request, callerID, changeID string) {
	path := r.URL.Query().Get("path")
	name := r.URL.Query().Get("name")
	if path != "" || name != "" {
		link, err := s.service.GetChangeResource(r.Context(), callerID, changeID, path, name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, link)
		return
	}
	links, err := s.service.ListChangeResources(r.Context(), callerID, changeID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": links})
}

func (s *HTTPServer) handleListBranches(w http.ResponseWriter, r *http.Request, callerID, projectID string) {
	branches, err := s.service.ListBranches(r.Context(), callerID, projectID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *HTTPServer) handleMoveBranchHead(w http.ResponseWriter, r *http.Request, callerID, branchID string) {
	var body struct {
		ChangeID string `json:"changeId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	branch, err := s.service.MoveBranchHead(r.Context(), callerID, branchID, body.ChangeID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:      r.URL.Query().Get("q"),
		ProjectID: r.URL.Query().Get("projectId"),
		Limit:     queryInt(r, "limit", 20),
		Offset:    queryInt(r, "offset", 0),
	}
	writeJSON(w, http.StatusOK, s.service.SearchProposals(q))
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
