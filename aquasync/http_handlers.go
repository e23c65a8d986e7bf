// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aquasync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CNSChanasorn/cnsaquascan/internal/auth"
)

// ClientAuthenticator extracts user and device identity from HTTP
// requests. Implementations should validate auth (e.g. JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// DocumentStore is the storage contract the handlers serve. Service
// implements it on Postgres; MemStore implements it in memory.
type DocumentStore interface {
	Get(ctx context.Context, collection, docID string) (*StoredDocument, error)
	Upsert(ctx context.Context, collection, docID string, fields map[string]any) (*StoredDocument, error)
	Delete(ctx context.Context, collection, docID string) error
	Scan(ctx context.Context, collection, orderBy string) ([]StoredDocument, error)
}

// HTTPHandlers provides the document REST API.
type HTTPHandlers struct {
	store         DocumentStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of the document handlers.
func NewHTTPHandlers(store DocumentStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		store:         store,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Router mounts the API under /v1.
func (h *HTTPHandlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Get("/{collection}", h.handleScan)
		r.Get("/{collection}/{id}", h.handleGet)
		r.Put("/{collection}/{id}", h.handleUpsert)
		r.Delete("/{collection}/{id}", h.handleDelete)
	})
	return r
}

// authMiddleware validates the bearer token and stashes the caller's
// identity in the request context.
func (h *HTTPHandlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.authenticator.GetUserID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, err.Error())
			return
		}
		sourceID, err := h.authenticator.GetSourceID(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, ErrCodeAuthFailed, err.Error())
			return
		}
		ctx := auth.SetUserID(r.Context(), userID)
		ctx = auth.SetSourceID(ctx, sourceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	docID := chi.URLParam(r, "id")

	doc, err := h.store.Get(r.Context(), collection, docID)
	if err != nil {
		h.writeStoreError(w, r, err, "get")
		return
	}
	h.writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *HTTPHandlers) handleUpsert(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	docID := chi.URLParam(r, "id")

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to parse document body")
		return
	}

	doc, err := h.store.Upsert(r.Context(), collection, docID, fields)
	if err != nil {
		h.writeStoreError(w, r, err, "upsert")
		return
	}
	h.writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (h *HTTPHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	docID := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), collection, docID); err != nil {
		h.writeStoreError(w, r, err, "delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) handleScan(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	orderBy := r.URL.Query().Get("order_by")

	docs, err := h.store.Scan(r.Context(), collection, orderBy)
	if err != nil {
		h.writeStoreError(w, r, err, "scan")
		return
	}

	resp := ScanResponse{Documents: make([]DocumentResponse, 0, len(docs))}
	for i := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(&docs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, ErrCodeNotFound, "document not found")
	case errors.Is(err, ErrUnknownCollection):
		h.writeError(w, http.StatusNotFound, ErrCodeUnknownCollection, "unknown collection")
	case errors.Is(err, ErrOrderByUnsupported):
		h.writeError(w, http.StatusBadRequest, ErrCodeOrderByUnsupported, "order_by not supported for this collection")
	default:
		h.logger.Error("document store operation failed",
			"op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "operation failed")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func toDocumentResponse(doc *StoredDocument) DocumentResponse {
	return DocumentResponse{
		DocID:     doc.DocID,
		Doc:       doc.Doc,
		UpdatedAt: doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
