package statsfeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/peerctl/internal/stats"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Watch connects to a feed at wsURL and calls fn for every snapshot until
// ctx is done or the server goes away. A cancelled ctx returns nil.
func Watch(ctx context.Context, wsURL string, fn func(stats.Snapshot)) error {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("dial stats feed: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Closing unblocks ReadJSON.
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var snap stats.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read stats feed: %w", err)
		}
		fn(snap)
	}
}
