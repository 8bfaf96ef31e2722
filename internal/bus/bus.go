// Package bus runs the console's embedded NATS message bus. The command
// subjects carry console actions from local and remote frontends; the
// status subject mirrors the console log to remote subscribers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/pickpoint/opconsole/internal/config"
)

// Console subjects.
const (
	SubjectCmdSelect    = "console.cmd.select"
	SubjectCmdPower     = "console.cmd.power"
	SubjectCmdCalibrate = "console.cmd.calibrate"
	SubjectCmdReset     = "console.cmd.reset"
	SubjectStatus       = "console.status"
)

// SelectCommand switches the active camera source.
type SelectCommand struct {
	Slot int `json:"slot"`
}

// PowerCommand toggles a camera slot.
type PowerCommand struct {
	Slot int  `json:"slot"`
	On   bool `json:"on"`
}

// Bus is the embedded NATS server plus the console's own connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// Start brings up the embedded server and connects to it.
func Start(cfg config.BusConfig) (*Bus, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 12011
	}

	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("bus server not ready after 2 seconds (port %d)", port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded bus: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: slog.Default().With("component", "bus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	b.logger.Info("Message bus started", "url", ns.ClientURL())
	return b, nil
}

// ClientURL returns the URL remote consoles connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish marshals data as JSON and publishes it.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes.
func (b *Bus) PublishRaw(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if subs, ok := b.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(b.subs, subject)
	}
}

// HealthCheck verifies the connection to the embedded server.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("bus connection not active")
	}

	_, err := b.conn.Request("_health", []byte("ping"), 2*time.Second)
	if err == nats.ErrNoResponders {
		// Nothing listening is fine; the server answered.
		return nil
	}
	return err
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Message bus stopped")
}
