package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// maxErrorBody bounds how much of an error response is kept in the error message
const maxErrorBody = 2048

// PostJSON sends body as JSON to url and decodes a 200 response into out.
// Every failure comes back as a *BackendError classified by status or transport.
func PostJSON(ctx context.Context, client *httpclient.SaferClient, provider, url string, headers map[string]string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return NewBackendError(provider, KindInvalidRequest, errors.Wrap(err, "failed to marshal request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return NewBackendError(provider, KindInvalidRequest, errors.Wrap(err, "failed to create request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		kind, retriable := ClassifyTransport(err)
		return &BackendError{Provider: provider, Kind: kind, Retriable: retriable, Err: errors.Wrap(err, "failed to send request")}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		kind, retriable := ClassifyTransport(err)
		return &BackendError{Provider: provider, Kind: kind, Retriable: retriable, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "failed to read response")}
	}

	if resp.StatusCode != http.StatusOK {
		kind, retriable := ClassifyStatus(resp.StatusCode)
		return &BackendError{
			Provider:   provider,
			Kind:       kind,
			Retriable:  retriable,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.Newf("API request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBody)),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &BackendError{Provider: provider, Kind: KindMalformed, Retriable: true, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "failed to unmarshal response")}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
