// Package mirror pushes pooled guest identities to an optional external
// identity service. Every call is best-effort: callers log failures and move
// on, and nothing in the allocation path waits on it.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/guestpool/internal/domain"
)

// Client mirrors identities into an auxiliary service.
type Client interface {
	// Exists reports whether the service already knows username.
	Exists(ctx context.Context, username string) (bool, error)
	// Upsert creates or refreshes the identity in the service.
	Upsert(ctx context.Context, ident domain.Identity) error
}

// Noop is the [Client] used when no mirror is configured.
type Noop struct{}

func (Noop) Exists(context.Context, string) (bool, error) { return true, nil }
func (Noop) Upsert(context.Context, domain.Identity) error  { return nil }

const defaultTimeout = 3 * time.Second
const maxErrorBodyBytes = 4 << 10

// HTTPClient talks to a JSON identity service:
//
//	GET {base}/v1/identities/{username}   200 known, 404 unknown
//	PUT {base}/v1/identities/{username}   create or update
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// Options configures an [HTTPClient].
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New returns an [HTTPClient], or [Noop] when opts.BaseURL is empty.
func New(opts Options) (Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return Noop{}, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse mirror url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mirror url must be http or https, got %q", u.Scheme)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: base,
		token:   strings.TrimSpace(opts.Token),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type identityPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Slot     int    `json:"slot,omitempty"`
}

func (c *HTTPClient) identityURL(username string) string {
	return c.baseURL + "/v1/identities/" + url.PathEscape(username)
}

func (c *HTTPClient) Exists(ctx context.Context, username string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.identityURL(username), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("lookup", resp)
	}
}

func (c *HTTPClient) Upsert(ctx context.Context, ident domain.Identity) error {
	body, err := json.Marshal(identityPayload{
		ID:       ident.ID,
		Username: ident.Username,
		Kind:     ident.Kind,
		Slot:     ident.SlotNumber,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.identityURL(ident.Username), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("upsert", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("mirror %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
