package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CommandError is a W3C error response from the backend.
type CommandError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("backend error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client speaks the W3C WebDriver wire protocol to one backend.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for the backend rooted at base. A nil hc uses
// a client without keep-alive reuse across backends.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{}}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Base returns the backend root URL.
func (c *Client) Base() string {
	return c.base
}

// Ready reports whether GET /status says the backend accepts sessions.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	raw, err := c.Do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return false, err
	}
	var status struct {
		Ready *bool `json:"ready"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return false, fmt.Errorf("decode status: %w", err)
	}
	// Older backends omit "ready" and answer only once they are up.
	return status.Ready == nil || *status.Ready, nil
}

// NewSession creates a session with goog:chromeOptions set to engineOptions
// and returns its id.
func (c *Client) NewSession(ctx context.Context, engineOptions map[string]any) (string, error) {
	caps := map[string]any{"goog:chromeOptions": engineOptions}
	body := map[string]any{
		"capabilities":        map[string]any{"alwaysMatch": caps, "firstMatch": []any{map[string]any{}}},
		"desiredCapabilities": caps,
	}
	raw, err := c.Do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", err
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("decode new session: %w", err)
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("%w: no session id in response", ErrBackendNotReady)
	}
	return created.SessionID, nil
}

// DeleteSession ends session id.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/session/"+id, nil)
	return err
}

// Do sends one command and returns the response "value" member. Responses
// from legacy backends that put sessionId at the top level are normalized
// into value.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	var envelope struct {
		SessionID string          `json:"sessionId"`
		Value     json.RawMessage `json:"value"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		cerr := &CommandError{Status: resp.StatusCode}
		if len(envelope.Value) > 0 {
			_ = json.Unmarshal(envelope.Value, cerr)
		}
		if cerr.Message == "" {
			cerr.Message = strings.TrimSpace(string(data))
		}
		return nil, cerr
	}

	if envelope.SessionID != "" && !bytes.Contains(envelope.Value, []byte(`"sessionId"`)) {
		merged := map[string]any{"sessionId": envelope.SessionID}
		if len(envelope.Value) > 0 {
			var inner map[string]any
			if json.Unmarshal(envelope.Value, &inner) == nil {
				for k, v := range inner {
					merged[k] = v
				}
			}
		}
		b, err := json.Marshal(merged)
		return json.RawMessage(b), err
	}
	return envelope.Value, nil
}
