// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound reports that a document does not exist in the remote store.
var ErrNotFound = errors.New("document not found")

// ErrOrderByUnsupported reports that the remote store rejected an
// ordered scan; callers fall back to an unordered scan and sort
// client-side.
var ErrOrderByUnsupported = errors.New("ordered scan not supported by remote store")

// Document is one remote-store document.
type Document struct {
	ID     string
	Fields map[string]any
}

// RemoteStore is the document-oriented remote contract the sync engine
// pushes to and pulls from. Upsert has merge semantics (fields absent
// from the map are left untouched remotely) and stamps updated_at
// server-side; Delete is idempotent.
type RemoteStore interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Upsert(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Scan(ctx context.Context, collection, orderBy string) ([]Document, error)
}

// TokenFunc supplies the bearer token for remote requests.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote talks to an aquasync document-store server over its REST
// API.
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote creates a remote-store client for the given server.
func NewHTTPRemote(baseURL string, token TokenFunc, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// documentEnvelope mirrors aquasync's wire format for a single document.
type documentEnvelope struct {
	DocID     string          `json:"doc_id"`
	Doc       json.RawMessage `json:"doc"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type scanEnvelope struct {
	Documents []documentEnvelope `json:"documents"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Get fetches a single document; ErrNotFound when it does not exist.
func (r *HTTPRemote) Get(ctx context.Context, collection, id string) (*Document, error) {
	body, err := r.do(ctx, http.MethodGet, r.docURL(collection, id), nil)
	if err != nil {
		return nil, err
	}
	var env documentEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return envelopeToDocument(&env)
}

// Upsert merges fields into the document, creating it if needed.
func (r *HTTPRemote) Upsert(ctx context.Context, collection, id string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal document fields: %w", err)
	}
	if _, err := r.do(ctx, http.MethodPut, r.docURL(collection, id), payload); err != nil {
		return err
	}
	return nil
}

// Delete removes the document. A remote-side "not found" is success.
func (r *HTTPRemote) Delete(ctx context.Context, collection, id string) error {
	_, err := r.do(ctx, http.MethodDelete, r.docURL(collection, id), nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Scan lists a collection, optionally ordered server-side by a
// timestamp field. ErrOrderByUnsupported signals the caller to retry
// unordered.
func (r *HTTPRemote) Scan(ctx context.Context, collection, orderBy string) ([]Document, error) {
	u := fmt.Sprintf("%s/v1/%s", r.BaseURL, url.PathEscape(collection))
	if orderBy != "" {
		u += "?order_by=" + url.QueryEscape(orderBy)
	}
	body, err := r.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var env scanEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode scan response: %w", err)
	}
	docs := make([]Document, 0, len(env.Documents))
	for i := range env.Documents {
		doc, err := envelopeToDocument(&env.Documents[i])
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (r *HTTPRemote) docURL(collection, id string) string {
	return fmt.Sprintf("%s/v1/%s/%s", r.BaseURL, url.PathEscape(collection), url.PathEscape(id))
}

func (r *HTTPRemote) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return body, nil
	}

	var apiErr errorEnvelope
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch apiErr.Error {
		case "not_found":
			return nil, ErrNotFound
		case "order_by_unsupported":
			return nil, ErrOrderByUnsupported
		}
		return nil, fmt.Errorf("server returned %s: %s", apiErr.Error, apiErr.Message)
	}
	return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func envelopeToDocument(env *documentEnvelope) (*Document, error) {
	var fields map[string]any
	if len(env.Doc) > 0 {
		if err := json.Unmarshal(env.Doc, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode document fields: %w", err)
		}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return &Document{ID: env.DocID, Fields: fields}, nil
}

// Field accessors with the defaults the reconciler applies to sparse
// remote documents.

func docString(fields map[string]any, key, fallback string) string {
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func docFloat(fields map[string]any, key string) float64 {
	if v, ok := fields[key].(float64); ok {
		return v
	}
	return 0
}

func docOptString(fields map[string]any, key string) any {
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return nil
}
