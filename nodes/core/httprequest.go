package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// httpRequestClient is the client outbound calls go through. Swapped in
// tests.
var httpRequestClient = &http.Client{Timeout: 25 * time.Second}

// httpRequestDef performs an outbound HTTP call. A non-2xx response does
// not fail the node: the status code is annotated on the message and the
// body mapped into the payload per the configured return type.
func httpRequestDef() *node.Definition {
	return &node.Definition{
		Type:     "http-request",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"method": "GET", "ret": "txt"},
		Execute:  executeHTTPRequest,
		Descriptor: node.Descriptor{
			Icon: "white-globe", Color: "#e7e7ae", PaletteLabel: "http request",
			Properties: map[string]any{
				"url":    map[string]any{"type": "string"},
				"method": map[string]any{"type": "string"},
				"ret":    map[string]any{"type": "string", "enum": []any{"txt", "obj", "bin"}},
			},
		},
	}
}

func executeHTTPRequest(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	url := n.StringOption("url")
	if v, ok := msg.Field("url"); ok {
		if s, ok := v.(string); ok && s != "" {
			url = s
		}
	}
	if url == "" {
		return nil, fmt.Errorf("http-request: no url configured")
	}
	method := strings.ToUpper(n.StringOption("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && msg.Payload != nil {
		switch p := msg.Payload.(type) {
		case string:
			body = strings.NewReader(p)
		case []byte:
			body = bytes.NewReader(p)
		default:
			raw, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("http-request: encode payload: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http-request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hv, ok := msg.Field("headers"); ok {
		if hm, ok := hv.(map[string]any); ok {
			for k, v := range hm {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
	}

	resp, err := httpRequestClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http-request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http-request: read response: %w", err)
	}

	msg.SetField("status_code", resp.StatusCode)
	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	msg.SetField("response_headers", respHeaders)

	switch n.StringOption("ret") {
	case "obj":
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Body was not JSON; fall back to text rather than failing
			// the branch.
			msg.Payload = string(raw)
		} else {
			msg.Payload = decoded
		}
	case "bin":
		msg.Payload = raw
	default:
		msg.Payload = string(raw)
	}
	return msg, nil
}
