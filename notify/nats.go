package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes events as JSON messages on a NATS subject tree
// (`<prefix>.<event type>`).
type NATSNotifier struct {
	conn    *nats.Conn
	prefix  string
	ownConn bool
}

// NewNATSNotifier connects to the given NATS URL. Subject prefix defaults
// to "cronlock.events".
func NewNATSNotifier(url, subjectPrefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATSNotifierConn(conn, subjectPrefix)
	n.ownConn = true
	slog.Info("NATS notifier connected", "url", url, "subject_prefix", n.prefix)
	return n, nil
}

// NewNATSNotifierConn wraps an existing connection; Close leaves the
// connection open.
func NewNATSNotifierConn(conn *nats.Conn, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = "cronlock.events"
	}
	return &NATSNotifier{conn: conn, prefix: subjectPrefix}
}

// Publish sends the event on `<prefix>.<type>`.
func (n *NATSNotifier) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.prefix+"."+ev.Type, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the connection when this notifier owns it.
func (n *NATSNotifier) Close() error {
	if n.ownConn && n.conn != nil {
		n.conn.Close()
	}
	return nil
}
