// Package signalclient talks to the signaling server over HTTP on behalf of
// a call session, the presence poller and the call notification flow.
package signalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tariel-x/medcall/internal/credentials"
	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/presence"
)

// ErrUnavailable is returned when the server could not be reached.
var ErrUnavailable = presence.ErrSignalingUnavailable

// APIError is a non-2xx reply carrying the server's {error, details} body.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("http %d: %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	bearer     string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearer sets the token sent as "Authorization: Bearer <token>".
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
}

type listCallsResponse struct {
	Success bool                  `json:"success"`
	Calls   []models.IncomingCall `json:"calls"`
	Count   int                   `json:"count"`
}

type removeCallResponse struct {
	Success        bool `json:"success"`
	RemainingCalls int  `json:"remainingCalls"`
}

type presenceResponse struct {
	Success      bool                        `json:"success"`
	Channel      string                      `json:"channel"`
	Participants []models.ChannelParticipant `json:"participants"`
}

func (c *Client) RecordIncomingCall(ctx context.Context, call models.IncomingCall) (string, error) {
	var resp createCallResponse
	if err := c.do(ctx, http.MethodPost, "/calls/incoming", nil, call, &resp); err != nil {
		return "", fmt.Errorf("record incoming call: %w", err)
	}
	return resp.CallID, nil
}

func (c *Client) ListIncomingCalls(ctx context.Context, calleeID string) ([]models.IncomingCall, error) {
	var resp listCallsResponse
	q := url.Values{"doctorId": {calleeID}}
	if err := c.do(ctx, http.MethodGet, "/calls/incoming", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list incoming calls: %w", err)
	}
	if resp.Calls == nil {
		resp.Calls = []models.IncomingCall{}
	}
	return resp.Calls, nil
}

func (c *Client) RemoveIncomingCall(ctx context.Context, calleeID, callID string) (int, error) {
	var resp removeCallResponse
	q := url.Values{"doctorId": {calleeID}, "callId": {callID}}
	if err := c.do(ctx, http.MethodDelete, "/calls/incoming", q, nil, &resp); err != nil {
		return 0, fmt.Errorf("remove incoming call: %w", err)
	}
	return resp.RemainingCalls, nil
}

func (c *Client) RecordPresence(ctx context.Context, update models.PresenceUpdate) error {
	if err := c.do(ctx, http.MethodPost, "/calls/presence", nil, update, nil); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

func (c *Client) ChannelPresence(ctx context.Context, channelID string) ([]models.ChannelParticipant, error) {
	var resp presenceResponse
	q := url.Values{"channel": {channelID}}
	if err := c.do(ctx, http.MethodGet, "/calls/presence", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("channel presence: %w", err)
	}
	for i := range resp.Participants {
		resp.Participants[i].ChannelID = channelID
	}
	return resp.Participants, nil
}

// IssueCredentials asks the server for transport credentials. A zero uid
// lets the server pick one.
func (c *Client) IssueCredentials(ctx context.Context, channel string, role models.Role, uid uint32) (credentials.Credentials, error) {
	body := struct {
		Channel string      `json:"channel"`
		Role    models.Role `json:"role"`
		UID     uint32      `json:"uid,omitempty"`
	}{channel, role, uid}

	var creds credentials.Credentials
	if err := c.do(ctx, http.MethodPost, "/api/credentials", nil, body, &creds); err != nil {
		return credentials.Credentials{}, fmt.Errorf("issue credentials: %w", err)
	}
	return creds, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var errBody struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error != "" {
			apiErr.Message = errBody.Error
			apiErr.Details = errBody.Details
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
