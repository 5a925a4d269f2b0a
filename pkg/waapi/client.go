// Package waapi provides a client for the WaAPI hosted WhatsApp gateway,
// plus webhook signature verification and payload parsing for its inbound
// events.
package waapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/resilience"
)

// Client defines the outbound WaAPI operations.
type Client interface {
	// SendMessage sends a plain text message to a chat.
	SendMessage(ctx context.Context, chatID, body string) error
}

// Option configures the WaAPI client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token      string
	instanceID string
	baseURL    string
	http       *http.Client
}

// NewClient creates a WaAPI client bound to one instance.
func NewClient(token, instanceID string, opts ...Option) Client {
	c := &httpClient{
		token:      token,
		instanceID: instanceID,
		baseURL:    "https://waapi.app/api/v1",
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SendMessage(ctx context.Context, chatID, body string) error {
	reqURL := fmt.Sprintf("%s/instances/%s/client/action/send-message", c.baseURL, url.PathEscape(c.instanceID))
	payload, err := json.Marshal(map[string]string{"chatId": chatID, "message": body})
	if err != nil {
		return eris.Wrap(err, "waapi: marshal send-message payload")
	}

	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "waapi: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return resilience.NewTransientError(eris.Wrap(lastErr, "waapi: send message"), 0)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return eris.Wrap(readErr, "waapi: read response body")
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			lastErr = eris.Errorf("waapi: status %d: %s", resp.StatusCode, string(respBody))
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return resilience.NewTransientError(lastErr, resp.StatusCode)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return eris.Errorf("waapi: unexpected status %d: %s", resp.StatusCode, string(respBody))
		}
		return nil
	}

	return lastErr
}
