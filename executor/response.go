package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/flowmesh/flowmesh/message"
)

// LargeBodyThreshold is the size above which the router must stream the
// body instead of buffering it into the response writer.
const LargeBodyThreshold = 1 << 20

// Response is the actor's reply to one request. Body is always a reader;
// Size reports the byte length so the router can decide to stream.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Large reports whether the body crosses the streaming threshold.
func (r *Response) Large() bool { return r.Size > LargeBodyThreshold }

// JSONResponse builds a response from a JSON-encodable body.
func JSONResponse(status int, body any) *Response {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"response encoding failed"}`)
		status = 500
	}
	return &Response{
		StatusCode:  status,
		Headers:     map[string]string{},
		ContentType: "application/json",
		Body:        bytes.NewReader(raw),
		Size:        int64(len(raw)),
	}
}

// ErrorResponse builds the standard error envelope of the runtime.
func ErrorResponse(status int, msg string, extra map[string]any) *Response {
	body := map[string]any{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	return JSONResponse(status, body)
}

// formatResponse maps the engine outcome onto the HTTP reply. With a
// terminal descriptor the descriptor wins: its status, its headers plus the
// diagnostic headers, and its payload encoded as text or JSON. Without one
// the default success envelope is returned.
func formatResponse(desc *message.HTTPResponse, flowID, msgID string, duration time.Duration) *Response {
	ms := duration.Milliseconds()
	diag := map[string]string{
		"X-Execution-Time": fmt.Sprintf("%dms", ms),
		"X-Flow-ID":        flowID,
		"X-Message-ID":     msgID,
	}
	if desc == nil {
		resp := JSONResponse(200, map[string]any{
			"success":     true,
			"duration_ms": ms,
			"flow_id":     flowID,
		})
		for k, v := range diag {
			resp.Headers[k] = v
		}
		return resp
	}

	var (
		raw         []byte
		contentType string
	)
	switch p := desc.Payload.(type) {
	case nil:
		raw = nil
		contentType = "text/plain; charset=utf-8"
	case string:
		raw = []byte(p)
		contentType = "text/plain; charset=utf-8"
	case []byte:
		raw = p
		contentType = "application/octet-stream"
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return ErrorResponse(500, "response payload encoding failed", map[string]any{"duration_ms": ms})
		}
		raw = encoded
		contentType = "application/json"
	}

	status := desc.StatusCode
	if status == 0 {
		status = 200
	}
	headers := make(map[string]string, len(desc.Headers)+len(diag))
	for k, v := range desc.Headers {
		headers[k] = v
		if k == "Content-Type" {
			contentType = v
		}
	}
	for k, v := range diag {
		headers[k] = v
	}
	return &Response{
		StatusCode:  status,
		Headers:     headers,
		ContentType: contentType,
		Body:        bytes.NewReader(raw),
		Size:        int64(len(raw)),
	}
}
