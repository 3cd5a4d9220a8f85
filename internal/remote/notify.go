package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Notification is a push message from the remote store saying a zone has
// new changes. It carries no payload; the engine reacts by running an
// incremental fetch, so a lost or duplicated notification costs nothing.
type Notification struct {
	Zone string `json:"zone"`
}

// Notifier subscribes to remote-change push notifications over a
// websocket. It is strictly an optimization: when the connection is down
// the engine falls back to its polling cadence.
type Notifier struct {
	url    string
	logger *log.Logger
}

// NewNotifier creates a notifier for the given websocket URL.
//
// If logger is nil, a default logger writing to stderr is used.
func NewNotifier(url string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{url: url, logger: logger}
}

// Listen connects and delivers notifications to wake until ctx is
// cancelled. Connection failures are retried with exponential backoff;
// the backoff resets after a successful connect.
func (n *Notifier) Listen(ctx context.Context, wake func(zone string)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		connected, err := n.listenOnce(ctx, wake)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = time.Second
		}
		n.logger.Printf("Notification stream interrupted: %v (reconnecting in %v)", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// listenOnce runs one connection until it fails. The first return reports
// whether the dial succeeded at all.
func (n *Notifier) listenOnce(ctx context.Context, wake func(zone string)) (bool, error) {
	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	n.logger.Printf("Subscribed to change notifications at %s", n.url)
	for {
		var note Notification
		if err := wsjson.Read(ctx, conn, &note); err != nil {
			return true, err
		}
		wake(note.Zone)
	}
}
