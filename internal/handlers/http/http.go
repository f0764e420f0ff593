package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"medflow/internal/worker"
)

// HTTP calls an endpoint and treats 4xx as non-retriable (the request is
// wrong and will stay wrong) and 5xx/transport errors as retriable.
type HTTP struct{}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body,omitempty"`
}

func (h HTTP) Handle(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, worker.NonRetriable(fmt.Errorf("invalid HTTP request payload: %w", err))
	}
	if req.URL == "" {
		return nil, worker.NonRetriable(fmt.Errorf("url is required"))
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, worker.NonRetriable(err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return nil, worker.NonRetriable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	result, _ := json.Marshal(Response{StatusCode: resp.StatusCode, Body: respBody})
	return result, nil
}
