package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Client submits a participant's results to a leading site's inbox.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the inbox at base, e.g.
// "http://ttp.example.org:8080".
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// Submit delivers one submission over HTTP. The server answers 202 on
// acceptance; every rejection maps to a distinct status.
func (c *Client) Submit(ctx context.Context, batchID string, sub Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding submission: %w", err)
	}

	endpoint := fmt.Sprintf("%s/batches/%s/results", c.base, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submitting results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submission rejected: %s", resp.Status)
	}
	return nil
}

// SubmitStream delivers submissions over a single WebSocket connection,
// waiting for each acknowledgement before sending the next. The first
// rejected submission ends the stream with an error.
func (c *Client) SubmitStream(ctx context.Context, batchID string, subs []Submission) error {
	endpoint := fmt.Sprintf("%s/batches/%s/ws", wsBase(c.base), url.PathEscape(batchID))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing inbox: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("sending submission: %w", err)
		}

		var ack Ack
		if err := conn.ReadJSON(&ack); err != nil {
			return fmt.Errorf("reading acknowledgement: %w", err)
		}
		if !ack.Accepted {
			return fmt.Errorf("submission rejected: %s", ack.Error)
		}
	}

	return conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
