// Package activation implements the ModuleActivation collaborator over HTTP.
// Round trips are retried for transient failures and guarded by a circuit
// breaker so a down activation service fails staged verification fast.
package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/infrastructure/resilience"
)

// Client talks to the module activation service.
type Client struct {
	base    string
	http    *retryablehttp.Client
	breaker *resilience.Breaker
}

// Config configures the activation client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryMax   int
	BreakAfter uint32
}

// New creates an activation client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil

	return &Client{
		base: cfg.BaseURL,
		http: rc,
		breaker: resilience.New("module-activation", resilience.Settings{
			TripAfter: cfg.BreakAfter,
			Timeout:   cfg.Timeout,
		}),
	}
}

type submitRequest struct {
	SessionID int   `json:"session_id"`
	ChildIDs  []int `json:"child_ids,omitempty"`
}

type submitResponse struct {
	Modules []collab.ModuleInfo `json:"modules"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Submit registers a staged session and its module-bearing children as one
// atomic activation group.
func (c *Client) Submit(ctx context.Context, sessionID int, childIDs []int) ([]collab.ModuleInfo, error) {
	var out submitResponse
	body := submitRequest{SessionID: sessionID, ChildIDs: childIDs}
	if err := c.call(ctx, http.MethodPost, "/v1/staged", body, &out); err != nil {
		return nil, err
	}
	return out.Modules, nil
}

// MarkReady tells the activation service the session passed pre-reboot
// verification and should be applied at next boot.
func (c *Client) MarkReady(ctx context.Context, sessionID int) error {
	path := fmt.Sprintf("/v1/staged/%d/ready", sessionID)
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

// QueryStatus returns the activation service's view of a staged session.
func (c *Client) QueryStatus(ctx context.Context, sessionID int) (collab.ActivationStatus, error) {
	var out statusResponse
	path := fmt.Sprintf("/v1/staged/%d", sessionID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return collab.ActivationUnknown, err
	}
	switch out.Status {
	case "verified":
		return collab.ActivationVerified, nil
	case "activated":
		return collab.ActivationActivated, nil
	case "activation_failed":
		return collab.ActivationFailed, nil
	default:
		return collab.ActivationUnknown, nil
	}
}

// NotifyStagedSession registers a staged session for install-time rollback.
func (c *Client) NotifyStagedSession(sessionID int) error {
	path := fmt.Sprintf("/v1/rollback/staged/%d", sessionID)
	return c.call(context.Background(), http.MethodPost, path, nil, nil)
}

// NotifyStagedAPKSession links a boot-time APK apply session to its staged
// parent so rollback covers both.
func (c *Client) NotifyStagedAPKSession(parentID, apkID int) error {
	path := fmt.Sprintf("/v1/rollback/staged/%d/apk/%d", parentID, apkID)
	return c.call(context.Background(), http.MethodPost, path, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	return c.breaker.Do(func() error {
		var body *bytes.Reader
		if in != nil {
			data, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			body = bytes.NewReader(data)
		} else {
			body = bytes.NewReader(nil)
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("activation service: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("activation service: status %d", resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

var (
	_ collab.ModuleActivation = (*Client)(nil)
	_ collab.Rollback         = (*Client)(nil)
)
