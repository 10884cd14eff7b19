package connector

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

const maxResponseBytes = 1 << 20

// HTTPTransport returns a Transport that POSTs JSON to baseURL+path.
// headers are added to every request (e.g. an Authorization header).
func HTTPTransport(baseURL string, client *http.Client, headers map[string]string) Transport {
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(baseURL, "/")

	return func(ctx context.Context, path string, input map[string]any, timeout time.Duration) (map[string]any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		body, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("unauthorized: http %d", resp.StatusCode)
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
			return nil, fmt.Errorf("upstream timeout: http %d", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("upstream unavailable: http %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("bad response: http %d", resp.StatusCode)
		}

		if len(bytes.TrimSpace(raw)) == 0 {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("bad response: %w", err)
		}
		return out, nil
	}
}
