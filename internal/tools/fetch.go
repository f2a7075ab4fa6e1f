package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type fetchURLInput struct {
	URL        string `json:"url" jsonschema:"required,description=Target URL (http or https)"`
	TimeoutSec int    `json:"timeout_sec,omitempty" jsonschema:"description=Request timeout in seconds; defaults to 30"`
	MaxSizeKB  int    `json:"max_size_kb,omitempty" jsonschema:"description=Response body cap in KiB; defaults to 256"`
}

// NewFetchURLTool returns the fetch_url tool: a bounded HTTP GET whose body
// is capped before it reaches the conversation.
func NewFetchURLTool() Tool {
	return NewTool("fetch_url", "Fetch text content from an HTTP or HTTPS URL",
		ClassNetwork,
		func(ctx context.Context, in fetchURLInput) (Output, error) {
			target := strings.TrimSpace(in.URL)
			if target == "" {
				return Output{}, fmt.Errorf("url is required")
			}
			parsed, err := url.Parse(target)
			if err != nil {
				return Output{}, fmt.Errorf("parse url: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return Output{}, fmt.Errorf("unsupported scheme %q (http/https only)", parsed.Scheme)
			}
			if in.TimeoutSec <= 0 {
				in.TimeoutSec = 30
			}
			if in.MaxSizeKB <= 0 {
				in.MaxSizeKB = 256
			}

			reqCtx, cancel := context.WithTimeout(ctx, time.Duration(in.TimeoutSec)*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
			if err != nil {
				return Output{}, fmt.Errorf("build request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return Output{}, fmt.Errorf("fetch %s: %w", target, err)
			}
			defer resp.Body.Close()

			limit := int64(in.MaxSizeKB) * 1024
			body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
			if err != nil {
				return Output{}, fmt.Errorf("read response: %w", err)
			}
			truncated := int64(len(body)) > limit
			if truncated {
				body = body[:limit]
			}

			return Output{
				Text: mustJSON(map[string]any{
					"ok":           resp.StatusCode < 400,
					"url":          target,
					"status_code":  resp.StatusCode,
					"content_type": resp.Header.Get("Content-Type"),
					"content":      string(body),
					"size_bytes":   len(body),
					"truncated":    truncated,
				}),
				Warning:        truncated,
				BytesProcessed: int64(len(body)),
			}, nil
		},
	)
}
