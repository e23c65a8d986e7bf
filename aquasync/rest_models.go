// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aquasync

// Wire error codes. Clients branch on these, not on the message text.
const (
	ErrCodeNotFound           = "not_found"
	ErrCodeUnknownCollection  = "unknown_collection"
	ErrCodeOrderByUnsupported = "order_by_unsupported"
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeAuthFailed         = "authentication_failed"
	ErrCodeInternal           = "internal_error"
)

// DocumentResponse is the envelope for a single document.
type DocumentResponse struct {
	DocID     string         `json:"doc_id"`
	Doc       map[string]any `json:"doc"`
	UpdatedAt string         `json:"updated_at"`
}

// ScanResponse is the envelope for a collection scan.
type ScanResponse struct {
	Documents []DocumentResponse `json:"documents"`
}

// ErrorResponse is the envelope for error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
