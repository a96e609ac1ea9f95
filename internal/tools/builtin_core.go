package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EchoTool returns its input. Kept as the canonical smoke-test tool.
func EchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the given text back unchanged.",
		Schema: Schema{
			Required: []string{"text"},
			Properties: map[string]Property{
				"text": {Type: "string", Description: "Text to echo"},
			},
		},
		SkipSanitization: true, // input already passed the pipeline
		Execute: func(_ context.Context, params map[string]any, _ *JobContext) (string, error) {
			text, _ := params["text"].(string)
			return text, nil
		},
	}
}

// TimeTool reports the current time.
func TimeTool() *Tool {
	return &Tool{
		Name:        "time",
		Description: "Get the current date and time, optionally in a named IANA timezone.",
		Schema: Schema{
			Properties: map[string]Property{
				"timezone": {Type: "string", Description: "IANA timezone name, default UTC"},
			},
		},
		SkipSanitization: true,
		Execute: func(_ context.Context, params map[string]any, _ *JobContext) (string, error) {
			loc := time.UTC
			if tz, ok := params["timezone"].(string); ok && tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

// JSONTool queries a JSON document with a dotted path expression.
func JSONTool() *Tool {
	return &Tool{
		Name:        "json",
		Description: "Extract a value from a JSON document using a dotted path like items.0.name.",
		Schema: Schema{
			Required: []string{"document", "path"},
			Properties: map[string]Property{
				"document": {Type: "string", Description: "JSON document text"},
				"path":     {Type: "string", Description: "Dotted path expression"},
			},
		},
		SkipSanitization: true,
		Execute: func(_ context.Context, params map[string]any, _ *JobContext) (string, error) {
			doc, _ := params["document"].(string)
			path, _ := params["path"].(string)

			var root any
			if err := json.Unmarshal([]byte(doc), &root); err != nil {
				return "", fmt.Errorf("invalid JSON: %v", err)
			}
			current := root
			if path != "" {
				for _, seg := range strings.Split(path, ".") {
					switch node := current.(type) {
					case map[string]any:
						v, ok := node[seg]
						if !ok {
							return "", fmt.Errorf("path segment %q not found", seg)
						}
						current = v
					case []any:
						var idx int
						if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil {
							return "", fmt.Errorf("path segment %q is not an index", seg)
						}
						if idx < 0 || idx >= len(node) {
							return "", fmt.Errorf("index %d out of range", idx)
						}
						current = node[idx]
					default:
						return "", fmt.Errorf("cannot descend into %T at %q", current, seg)
					}
				}
			}
			out, err := json.Marshal(current)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// httpBodyLimit caps fetched bodies before the pipeline's size gate even
// sees them.
const httpBodyLimit = 1 << 20

// HTTPTool fetches a URL. Output goes through the full inbound pipeline;
// the request itself went through the outbound scan at dispatch.
func HTTPTool() *Tool {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	return &Tool{
		Name:        "http",
		Description: "Perform an HTTP request and return the response body.",
		Schema: Schema{
			Required: []string{"url"},
			Properties: map[string]Property{
				"url":    {Type: "string", Description: "Request URL (http or https)"},
				"method": {Type: "string", Description: "HTTP method, default GET", Enum: []any{"GET", "POST", "PUT", "DELETE", "HEAD"}},
				"body":   {Type: "string", Description: "Request body for POST/PUT"},
			},
		},
		Timeout: 45 * time.Second,
		Execute: func(ctx context.Context, params map[string]any, _ *JobContext) (string, error) {
			rawURL, _ := params["url"].(string)
			method, _ := params["method"].(string)
			if method == "" {
				method = http.MethodGet
			}
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return "", fmt.Errorf("unsupported URL scheme")
			}

			var body io.Reader
			if b, ok := params["body"].(string); ok && b != "" {
				body = bytes.NewReader([]byte(b))
			}
			req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, data), nil
		},
	}
}
