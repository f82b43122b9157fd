package agent

import (
	"context"
	"net/http"
	"net/url"
	"path"

	"github.com/gorilla/websocket"

	"modernvpn/pkg/model"
)

// wsURL turns the controller base URL into the edge event stream URL.
func wsURL(controller, serverID string) (string, error) {
	u, err := url.Parse(controller)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	u.Path = path.Join(u.Path, "/api/v1/edge", serverID, "ws")
	return u.String(), nil
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := wsURL(a.cfg.Controller, a.cfg.ServerID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	conn, resp, err := a.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, &dialError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}
	return conn, nil
}

type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string {
	return e.err.Error() + " (status " + http.StatusText(e.status) + ")"
}

func (e *dialError) Unwrap() error { return e.err }

// readEvents delivers events until the connection fails or ctx is done.
func readEvents(ctx context.Context, conn *websocket.Conn, fn func(model.PeerEvent)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		var ev model.PeerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}
