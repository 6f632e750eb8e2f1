package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeEvent is a realtime notification. Receivers re-fetch what they show.
type ChangeEvent struct {
	Table     string    `json:"table"`
	Type      string    `json:"type"`
	RecordID  string    `json:"record_id"`
	CompanyID string    `json:"company_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	At        time.Time `json:"at"`
}

// Watch streams the caller's change events to fn until ctx is done or the
// connection drops. It returns nil when ctx ends the stream.
func (c *Client) Watch(ctx context.Context, token string, fn func(ChangeEvent)) error {
	endpoint, err := c.websocketURL("/ws/changes")
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			msg, kind := extractError(resp.Body)
			return APIError{Status: resp.StatusCode, Message: msg, Kind: kind}
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read change: %w", err)
		}
		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		fn(event)
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path, nil
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path, nil
	default:
		return "", errors.New("unsupported api base url scheme")
	}
}
