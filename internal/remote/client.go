package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
	"github.com/parloapp/parlo-core/internal/logging"
	"github.com/parloapp/parlo-core/internal/models"
)

// Client implements Backend over the server's REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the given server. The identity token is
// sent as a bearer header on every request and scopes what pulls return.
func NewClient(baseURL, identityToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   identityToken,
		http:    &http.Client{Timeout: timeout},
	}
}

type createResponse struct {
	RemoteID string `json:"remote_id"`
}

// Create implements Backend.
func (c *Client) Create(ctx context.Context, req PushRequest) (string, error) {
	var out createResponse
	err := c.do(ctx, http.MethodPost, "/entities", req.LocalID, req, &out)
	if err != nil {
		return "", err
	}
	if out.RemoteID == "" {
		return "", apperrors.New(apperrors.ErrPermanentRemote, "server returned no remote id")
	}
	return out.RemoteID, nil
}

// Update implements Backend.
func (c *Client) Update(ctx context.Context, remoteID string, req PushRequest) error {
	path := "/entities/" + url.PathEscape(remoteID)
	return c.do(ctx, http.MethodPatch, path, req.LocalID, req, nil)
}

// Delete implements Backend.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	path := "/entities/" + url.PathEscape(remoteID)
	return c.do(ctx, http.MethodDelete, path, "", nil, nil)
}

// Pull implements Backend.
func (c *Client) Pull(ctx context.Context, kind models.EntityKind, modifiedSince int64) (*PullResponse, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	q.Set("modified_since", strconv.FormatInt(modifiedSince, 10))

	var out PullResponse
	if err := c.do(ctx, http.MethodGet, "/entities?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do runs one request with the shared headers and classifies failures.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection failures and client-side timeouts are retryable.
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.ErrPermanentRemote, "failed to decode response", err)
		}
	}
	return nil
}

// classifyStatus maps an HTTP error status onto the retry taxonomy:
// 5xx, 408 and 429 are transient, everything else in 4xx is permanent.
func classifyStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("server returned %d", resp.StatusCode)
	if len(detail) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(detail)))
	}

	transient := resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests
	if transient {
		logging.Warn("Transient server error", logging.Fields{"status": resp.StatusCode})
		return apperrors.New(apperrors.ErrTransientNetwork, msg)
	}
	return apperrors.New(apperrors.ErrPermanentRemote, msg)
}
