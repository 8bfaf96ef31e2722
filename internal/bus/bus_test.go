package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pickpoint/opconsole/internal/config"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()

	// Port 0 lets the embedded server pick a free port.
	b, err := Start(config.BusConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := startTestBus(t)

	got := make(chan SelectCommand, 1)
	_, err := b.Subscribe(SubjectCmdSelect, func(msg *nats.Msg) {
		var cmd SelectCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("unmarshal command: %v", err)
			return
		}
		got <- cmd
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(SubjectCmdSelect, SelectCommand{Slot: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd.Slot != 2 {
			t.Errorf("slot = %d, want 2", cmd.Slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := startTestBus(t)

	got := make(chan struct{}, 4)
	if _, err := b.Subscribe(SubjectCmdReset, func(*nats.Msg) {
		got <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Unsubscribe(SubjectCmdReset)

	if err := b.PublishRaw(SubjectCmdReset, []byte("{}")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-got:
		t.Error("message delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthCheck(t *testing.T) {
	b := startTestBus(t)

	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
