package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// EventsURL converts a health server base address ("127.0.0.1:8080" or
// "http://host:8080") to the websocket URL of its event stream.
func EventsURL(base string, withRecords bool) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	if !withRecords {
		u.RawQuery = "records=false"
	}
	return u.String(), nil
}

// WatchEvents connects to an /events stream and calls fn for every message
// until ctx is cancelled, the server closes the stream or fn returns an
// error.
func WatchEvents(ctx context.Context, wsURL string, fn func(EventMessage) error) error {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{EventsSubprotocol},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
