package botnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrIDTaken is returned by connect when another live session already
	// holds the requested robot ID.
	ErrIDTaken = errors.New("a robot with the same ID is already connected")

	// ErrNotConnected is returned when an authenticated operation is
	// attempted before a session token has been obtained.
	ErrNotConnected = errors.New("not connected to the network")
)

// transport performs the four relay operations over HTTP. It holds the
// session token and nothing else; retry policy and roster caching live in
// the Network facade above it.
type transport struct {
	baseURL string
	token   string
	client  *http.Client
}

func newTransport(baseURL string) *transport {
	return &transport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type connectRequest struct {
	ID int `json:"id"`
}

type connectResponse struct {
	Token string `json:"token"`
}

type pollResponse struct {
	Messages []Message `json:"messages"`
	Robots   []int     `json:"robots"`
}

// connect registers the robot ID with the relay and stores the returned
// session token for all subsequent calls.
func (t *transport) connect(ctx context.Context, id int) error {
	body, err := json.Marshal(connectRequest{ID: id})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/connect", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return ErrIDTaken
	default:
		return fmt.Errorf("connect failed: %s", readError(resp))
	}

	var cr connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("connect: malformed response: %w", err)
	}
	if cr.Token == "" {
		return errors.New("connect: relay returned an empty token")
	}
	t.token = cr.Token
	return nil
}

// disconnect deregisters the session. The token is cleared regardless of
// the outcome since the session is gone either way once the relay saw it.
func (t *transport) disconnect(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodPost, "/api/disconnect", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.token = ""

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("disconnect failed: %s", readError(resp))
	}
	return nil
}

// poll fetches the pending message batch and the current membership list.
func (t *transport) poll(ctx context.Context) ([]Message, []int, error) {
	resp, err := t.do(ctx, http.MethodGet, "/api/poll", nil)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("poll failed: %s", readError(resp))
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, nil, fmt.Errorf("poll: malformed response: %w", err)
	}
	return pr.Messages, pr.Robots, nil
}

// send transmits a fully-stamped message.
func (t *transport) send(ctx context.Context, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	resp, err := t.do(ctx, http.MethodPut, "/api/send", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("send failed: %s", readError(resp))
	}
	return nil
}

// do issues an authenticated request. It fails locally with ErrNotConnected
// when no session token is held.
func (t *transport) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if t.token == "" {
		return nil, ErrNotConnected
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+t.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.client.Do(req)
}

// readError extracts the relay's error payload for diagnostics.
func readError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Sprintf("%s: %s", resp.Status, data)
}
