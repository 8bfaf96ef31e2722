package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMoveTo(t *testing.T) {
	var got struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/move" || r.Method != "POST" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"x":       got.X,
			"y":       got.Y,
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL})
	if err := c.MoveTo(context.Background(), 12.5, -3.0); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if got.X != 12.5 || got.Y != -3.0 {
		t.Errorf("controller received (%v, %v), want (12.5, -3)", got.X, got.Y)
	}

	moves, errCount := c.Stats()
	if moves != 1 || errCount != 0 {
		t.Errorf("Stats() = (%d, %d), want (1, 0)", moves, errCount)
	}
}

func TestMoveToControllerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "limit switch triggered",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL})
	err := c.MoveTo(context.Background(), 0, 0)
	if !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("got %v, want ErrActuatorFault", err)
	}
}

func TestMoveToHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL})
	if err := c.MoveTo(context.Background(), 1, 1); !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("got %v, want ErrActuatorFault", err)
	}

	_, errCount := c.Stats()
	if errCount != 1 {
		t.Errorf("error count = %d, want 1", errCount)
	}
}

func TestMoveToUnreachableController(t *testing.T) {
	c := NewClient(ClientConfig{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err := c.MoveTo(context.Background(), 1, 1); !errors.Is(err, ErrActuatorFault) {
		t.Fatalf("got %v, want ErrActuatorFault", err)
	}
}

func TestHome(t *testing.T) {
	var homed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/home" {
			homed = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL})
	if err := c.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if !homed {
		t.Error("controller never received the home command")
	}
}
