// Package graph provides a minimal Microsoft Graph client for reading and
// replying to mail in a shared mailbox using application (client credential)
// auth.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/breakwater-travel/intake-cli/internal/resilience"
)

// Client defines the Graph mail operations the intake pipeline needs.
type Client interface {
	// ListMessagesSince returns messages received strictly after the given
	// time, oldest first, following server paging.
	ListMessagesSince(ctx context.Context, since time.Time) ([]MessageSummary, error)
	// GetMessage fetches one message including its full body.
	GetMessage(ctx context.Context, id string) (*MessageDetail, error)
	// ListAttachments returns attachment metadata for a message.
	ListAttachments(ctx context.Context, id string) ([]Attachment, error)
	// SendReply replies to a message in its thread with a plain text comment.
	SendReply(ctx context.Context, id, comment string) error
}

// Credentials holds the Azure app registration used for client-credential
// token grants.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// MessageSummary is the listing shape: enough to filter, classify and build
// a task payload without fetching the body.
type MessageSummary struct {
	ID             string
	Subject        string
	Sender         string
	SenderName     string
	BodyPreview    string
	ReceivedAt     time.Time
	HasAttachments bool
}

// MessageDetail adds the full body to a summary.
type MessageDetail struct {
	MessageSummary
	Body       string
	BodyIsHTML bool
}

// Attachment mirrors the Graph attachment metadata fields we select.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
}

// Option configures the Graph client.
type Option func(*httpClient)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithTokenURL sets a custom OAuth token endpoint (for testing).
func WithTokenURL(url string) Option {
	return func(c *httpClient) {
		c.tokenURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default outbound request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPageSize overrides the $top page size used when listing messages.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		c.pageSize = n
	}
}

type httpClient struct {
	creds    Credentials
	mailbox  string
	baseURL  string
	tokenURL string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter

	mu       sync.Mutex
	tok      string
	tokUntil time.Time
}

// NewClient creates a Graph client for the given mailbox.
func NewClient(creds Credentials, mailbox string, opts ...Option) Client {
	c := &httpClient{
		creds:    creds,
		mailbox:  mailbox,
		baseURL:  "https://graph.microsoft.com/v1.0",
		tokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(creds.TenantID)),
		pageSize: 50,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenExpiryBuffer refreshes tokens slightly before Graph would reject
// them, so a request never rides out an expiring token.
const tokenExpiryBuffer = 60 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached access token, fetching a fresh one when missing or
// near expiry. The mutex is held across the fetch so concurrent callers
// share one grant.
func (c *httpClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok != "" && time.Now().Before(c.tokUntil) {
		return c.tok, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.creds.ClientID},
		"client_secret": {c.creds.ClientSecret},
		"scope":         {"https://graph.microsoft.com/.default"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "graph: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "graph: token request")
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", eris.Wrap(readErr, "graph: read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("graph: token status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", eris.Wrap(err, "graph: unmarshal token response")
	}
	if tr.AccessToken == "" {
		return "", eris.New("graph: token response missing access_token")
	}

	c.tok = tr.AccessToken
	c.tokUntil = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return c.tok, nil
}

func (c *httpClient) invalidateToken() {
	c.mu.Lock()
	c.tok = ""
	c.mu.Unlock()
}

// retryDo executes a request with exponential backoff on transient statuses
// (408, 429, 5xx) and network failures. newReq rebuilds the request per
// attempt so bodies replay correctly.
func (c *httpClient) retryDo(ctx context.Context, newReq func() (*http.Request, error)) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, 0, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, resilience.NewTransientError(lastErr, 0)
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "graph: read response body")
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("graph: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

// doJSON performs an authenticated request. A 401 invalidates the cached
// token and retries once with a fresh grant. out may be nil for
// fire-and-forget calls.
func (c *httpClient) doJSON(ctx context.Context, method, reqURL string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "graph: rate limit wait")
	}

	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "graph: marshal request payload")
		}
	}

	for authAttempt := 0; authAttempt < 2; authAttempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}

		newReq := func() (*http.Request, error) {
			var body io.Reader
			if payloadBytes != nil {
				body = bytes.NewReader(payloadBytes)
			}
			req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
			if err != nil {
				return nil, eris.Wrap(err, "graph: create request")
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set("Accept", "application/json")
			if payloadBytes != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			return req, nil
		}

		body, statusCode, err := c.retryDo(ctx, newReq)
		if err != nil {
			return eris.Wrap(err, "graph: request failed")
		}
		if statusCode == http.StatusUnauthorized && authAttempt == 0 {
			c.invalidateToken()
			continue
		}
		if resilience.IsTransientHTTPStatus(statusCode) {
			return resilience.NewTransientError(eris.Errorf("graph: status %d: %s", statusCode, string(body)), statusCode)
		}
		if statusCode < 200 || statusCode > 299 {
			return eris.Errorf("graph: unexpected status %d: %s", statusCode, string(body))
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return eris.Wrap(err, "graph: unmarshal response")
			}
		}
		return nil
	}

	return eris.New("graph: still unauthorized after token refresh")
}

// Graph wire shapes for the fields we $select.

type wireEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type wireRecipient struct {
	EmailAddress wireEmailAddress `json:"emailAddress"`
}

type wireBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type wireMessage struct {
	ID               string        `json:"id"`
	Subject          string        `json:"subject"`
	BodyPreview      string        `json:"bodyPreview"`
	ReceivedDateTime time.Time     `json:"receivedDateTime"`
	HasAttachments   bool          `json:"hasAttachments"`
	Sender           wireRecipient `json:"sender"`
	From             wireRecipient `json:"from"`
	Body             *wireBody     `json:"body"`
}

type listMessagesResponse struct {
	Value    []wireMessage `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type listAttachmentsResponse struct {
	Value []Attachment `json:"value"`
}

func (m wireMessage) summary() MessageSummary {
	addr := m.Sender.EmailAddress
	if addr.Address == "" {
		addr = m.From.EmailAddress
	}
	return MessageSummary{
		ID:             m.ID,
		Subject:        m.Subject,
		Sender:         addr.Address,
		SenderName:     addr.Name,
		BodyPreview:    m.BodyPreview,
		ReceivedAt:     m.ReceivedDateTime,
		HasAttachments: m.HasAttachments,
	}
}

// maxPages bounds one listing call so a runaway backlog cannot pin a poll
// cycle forever; the next cycle resumes from the advanced checkpoint.
const maxPages = 20

func (c *httpClient) ListMessagesSince(ctx context.Context, since time.Time) ([]MessageSummary, error) {
	query := url.Values{
		"$filter":  {fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))},
		"$orderby": {"receivedDateTime asc"},
		"$top":     {fmt.Sprint(c.pageSize)},
		"$select":  {"id,subject,sender,from,receivedDateTime,bodyPreview,hasAttachments"},
	}
	reqURL := fmt.Sprintf("%s/users/%s/messages?%s", c.baseURL, url.PathEscape(c.mailbox), query.Encode())

	var out []MessageSummary
	for page := 0; page < maxPages && reqURL != ""; page++ {
		var resp listMessagesResponse
		if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &resp); err != nil {
			return nil, eris.Wrap(err, "graph: list messages")
		}
		for _, m := range resp.Value {
			out = append(out, m.summary())
		}
		reqURL = resp.NextLink
	}
	return out, nil
}

func (c *httpClient) GetMessage(ctx context.Context, id string) (*MessageDetail, error) {
	query := url.Values{
		"$select": {"id,subject,sender,from,receivedDateTime,body,bodyPreview,hasAttachments"},
	}
	reqURL := fmt.Sprintf("%s/users/%s/messages/%s?%s", c.baseURL, url.PathEscape(c.mailbox), url.PathEscape(id), query.Encode())

	var msg wireMessage
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &msg); err != nil {
		return nil, eris.Wrapf(err, "graph: get message %s", id)
	}

	detail := &MessageDetail{MessageSummary: msg.summary()}
	if msg.Body != nil {
		detail.Body = msg.Body.Content
		detail.BodyIsHTML = msg.Body.ContentType == "html"
	}
	return detail, nil
}

func (c *httpClient) ListAttachments(ctx context.Context, id string) ([]Attachment, error) {
	query := url.Values{
		"$select": {"id,name,contentType,size,isInline"},
	}
	reqURL := fmt.Sprintf("%s/users/%s/messages/%s/attachments?%s", c.baseURL, url.PathEscape(c.mailbox), url.PathEscape(id), query.Encode())

	var resp listAttachmentsResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "graph: list attachments for %s", id)
	}
	return resp.Value, nil
}

func (c *httpClient) SendReply(ctx context.Context, id, comment string) error {
	reqURL := fmt.Sprintf("%s/users/%s/messages/%s/reply", c.baseURL, url.PathEscape(c.mailbox), url.PathEscape(id))
	payload := map[string]string{"comment": comment}

	if err := c.doJSON(ctx, http.MethodPost, reqURL, payload, nil); err != nil {
		return eris.Wrapf(err, "graph: reply to %s", id)
	}
	return nil
}
