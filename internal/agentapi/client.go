// Package agentapi is the HTTP client for an agent's own API. The
// manager uses it to bootstrap credentials after create, to read the
// agent's cognitive state during health gates, and to negotiate
// version updates.
package agentapi

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

// UpdateDecision is an agent's answer to a proposed update.
type UpdateDecision string

const (
	DecisionAccept UpdateDecision = "accept"
	DecisionDefer  UpdateDecision = "defer"
	DecisionReject UpdateDecision = "reject"
)

// Client talks to one agent's API on localhost or a VPC address.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a client for the agent reachable at baseURL
// (e.g. "http://127.0.0.1:8080") using the given service token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Session is the result of a successful login. The user id is opaque
// and addresses the user in later requests; it is not the username.
type Session struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// Login authenticates with a username and password. Used once after
// create, with the default password.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login: empty access token")
	}
	if out.UserID == "" {
		return nil, fmt.Errorf("login: empty user id")
	}
	return &out, nil
}

// ChangePassword sets a new password for the user identified by the
// user id from login, authenticated with that login's access token.
func (c *Client) ChangePassword(ctx context.Context, accessToken, userID, current, next string) error {
	return c.do(ctx, http.MethodPut, "/v1/users/"+userID+"/password", accessToken, map[string]string{
		"current_password": current,
		"new_password":     next,
	}, nil)
}

// Health checks the agent's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/system/health", c.token, nil, nil)
}

// CognitiveState returns the agent's current cognitive state
// (e.g. "WAKEUP", "WORK", "SHUTDOWN").
func (c *Client) CognitiveState(ctx context.Context) (string, error) {
	var out struct {
		CognitiveState string `json:"cognitive_state"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/system/status", c.token, nil, &out); err != nil {
		return "", err
	}
	return out.CognitiveState, nil
}

// UpdateResponse is the agent's answer to ProposeUpdate.
type UpdateResponse struct {
	Decision UpdateDecision `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
}

// ProposeUpdate asks the agent whether it will accept a new image now.
// The agent may accept, defer to a quieter moment, or reject.
func (c *Client) ProposeUpdate(ctx context.Context, image, version, message string) (*UpdateResponse, error) {
	var out UpdateResponse
	err := c.do(ctx, http.MethodPost, "/v1/system/update", c.token, map[string]string{
		"image":   image,
		"version": version,
		"message": message,
	}, &out)
	if err != nil {
		return nil, err
	}
	switch out.Decision {
	case DecisionAccept, DecisionDefer, DecisionReject:
		return &out, nil
	default:
		return nil, fmt.Errorf("update response: unknown decision %q", out.Decision)
	}
}

// Shutdown asks the agent to stop gracefully, explaining why.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/system/shutdown", c.token, map[string]string{
		"reason": reason,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal agent request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create agent request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("agent %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}
