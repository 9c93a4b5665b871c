package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Content types returned by the engine
const (
	ContentTypeBooking = "application/vnd.openactive.booking+json; version=1"
	ContentTypeFeed    = "application/json"
)

// Response is the transport-neutral envelope returned by every engine operation
type Response struct {
	StatusCode         int            `json:"status_code"`
	ContentType        string         `json:"content_type"`
	Body               string         `json:"body"`
	CacheControlMaxAge *time.Duration `json:"cache_control_max_age,omitempty"`
}

// IsSuccess reports whether the response is a 2xx.
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// CacheControl renders the Cache-Control header, or "" when none applies.
func (r *Response) CacheControl() string {
	if r.CacheControlMaxAge == nil {
		return ""
	}
	return fmt.Sprintf("public, max-age=%d", int(r.CacheControlMaxAge.Seconds()))
}

// JSONResponse marshals v into a response.
func JSONResponse(status int, contentType string, v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &Response{StatusCode: status, ContentType: contentType, Body: string(b)}, nil
}

// NoContent is the response for successful deletes.
func NoContent() *Response {
	return &Response{StatusCode: http.StatusNoContent, ContentType: ContentTypeBooking}
}
