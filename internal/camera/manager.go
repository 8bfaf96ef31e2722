package camera

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pickpoint/opconsole/internal/config"
	"github.com/pickpoint/opconsole/internal/database"
)

// Power represents a slot's power state
type Power string

const (
	PowerOn  Power = "on"
	PowerOff Power = "off"
)

// SourceState is a snapshot of one camera slot, as reported to the API.
type SourceState struct {
	Slot      int        `json:"slot"`
	Name      string     `json:"name"`
	Power     Power      `json:"power"`
	Active    bool       `json:"active"`
	Connected bool       `json:"connected"`
	LastFrame *time.Time `json:"last_frame,omitempty"`
}

// slot owns one device handle. Field access is guarded by the manager's
// mutex; sem serializes all device I/O for the slot, so the frame pump and
// the calibration workflow never race on one handle. Lock order: sem before
// mu, never mu while acquiring sem.
type slot struct {
	id        int
	name      string
	deviceURL string
	dev       Device
	power     bool
	connected bool
	lastFrame *Frame
	lastSeen  time.Time
	sem       chan struct{}
}

// acquire takes the slot's I/O semaphore, honoring ctx cancellation so a
// caller with a frame-interval budget gives up instead of queueing forever.
func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) release() {
	<-s.sem
}

// Manager owns the fixed camera slots and the "active source" pointer.
// It is the single entry point for all device I/O.
type Manager struct {
	mu      sync.RWMutex
	slots   [config.SlotCount]*slot
	active  int
	db      *database.DB
	logger  *slog.Logger
	factory DeviceFactory
}

// NewManager creates a source manager from the configured slots. db may be
// nil; slot state is then not persisted. factory may be nil to use HTTP
// snapshot devices.
func NewManager(cfg *config.Config, db *database.DB, factory DeviceFactory) *Manager {
	if factory == nil {
		factory = func(id int, url string) Device { return NewHTTPDevice(id, url) }
	}

	m := &Manager{
		db:      db,
		logger:  slog.Default().With("component", "camera"),
		factory: factory,
	}

	for i := 0; i < config.SlotCount; i++ {
		s := &slot{
			id:   i,
			name: fmt.Sprintf("camera-%d", i),
			sem:  make(chan struct{}, 1),
		}
		if sc := cfg.GetSlot(i); sc != nil {
			if sc.Name != "" {
				s.name = sc.Name
			}
			s.deviceURL = sc.DeviceURL
		}
		m.slots[i] = s
	}

	return m
}

// validSlot reports whether id is inside the fixed set.
func validSlot(id int) bool {
	return id >= 0 && id < config.SlotCount
}

// Select activates the requested slot, attempting device open if the slot
// is powered but not connected. Returns ErrInvalidSource for slots outside
// the fixed set; device faults are logged and do not fail the call.
func (m *Manager) Select(ctx context.Context, id int) error {
	if !validSlot(id) {
		m.logger.Warn("Select rejected", "slot", id, "error", "outside fixed source set")
		return fmt.Errorf("%w: slot %d", ErrInvalidSource, id)
	}

	m.mu.Lock()
	prev := m.active
	m.active = id
	s := m.slots[id]
	power, connected := s.power, s.connected
	m.mu.Unlock()

	if prev != id {
		m.logger.Info("Source deactivated", "slot", prev)
	}

	if power && !connected {
		if err := m.openDevice(ctx, s); err != nil {
			m.logger.Warn("Source selected but device open failed", "slot", id, "name", s.name, "error", err)
			m.persistSlot(ctx, s, true)
			return nil
		}
	}

	m.logger.Info("Source selected", "slot", id, "name", s.name)
	m.persistSlot(ctx, s, true)
	return nil
}

// SetPower turns a slot on or off. Idempotent: repeating the current state
// is a no-op that still emits a status line. Powering off releases the
// device handle; the active pointer is left untouched, so frame pulls from
// a powered-off active source report no signal.
func (m *Manager) SetPower(ctx context.Context, id int, on bool) error {
	if !validSlot(id) {
		m.logger.Warn("Power change rejected", "slot", id, "error", "outside fixed source set")
		return fmt.Errorf("%w: slot %d", ErrInvalidSource, id)
	}

	m.mu.Lock()
	s := m.slots[id]
	active := m.active == id
	current := s.power
	m.mu.Unlock()

	if current == on {
		m.logger.Info("Power unchanged", "slot", id, "name", s.name, "power", powerString(on))
		return nil
	}

	if on {
		m.mu.Lock()
		s.power = true
		m.mu.Unlock()

		if err := m.openDevice(ctx, s); err != nil {
			m.logger.Warn("Powered on but device open failed", "slot", id, "name", s.name, "error", err)
		} else {
			m.logger.Info("Source powered on", "slot", id, "name", s.name)
		}
	} else {
		// Wait for any in-flight capture before releasing the handle.
		if err := s.acquire(ctx); err != nil {
			return err
		}
		m.mu.Lock()
		s.power = false
		s.connected = false
		s.lastFrame = nil
		dev := s.dev
		s.dev = nil
		m.mu.Unlock()
		if dev != nil {
			if err := dev.Close(); err != nil {
				m.logger.Warn("Device close failed", "slot", id, "error", err)
			}
		}
		s.release()
		m.logger.Info("Source powered off", "slot", id, "name", s.name)
	}

	m.persistSlot(ctx, s, active)
	return nil
}

// openDevice creates and opens the slot's device handle. Failures leave the
// slot disconnected; the next select or power-on retries.
func (m *Manager) openDevice(ctx context.Context, s *slot) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	m.mu.Lock()
	if s.connected {
		m.mu.Unlock()
		return nil
	}
	if !s.power {
		m.mu.Unlock()
		return ErrNoSignal
	}
	if s.dev == nil {
		s.dev = m.factory(s.id, s.deviceURL)
	}
	dev := s.dev
	m.mu.Unlock()

	if err := dev.Open(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	s.connected = true
	m.mu.Unlock()
	return nil
}

// Active returns the currently selected slot id.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Sources returns a snapshot of all slots.
func (m *Manager) Sources() []SourceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]SourceState, 0, config.SlotCount)
	for _, s := range m.slots {
		st := SourceState{
			Slot:      s.id,
			Name:      s.name,
			Power:     powerState(s.power),
			Active:    s.id == m.active,
			Connected: s.connected,
		}
		if !s.lastSeen.IsZero() {
			t := s.lastSeen
			st.LastFrame = &t
		}
		states = append(states, st)
	}
	return states
}

// CaptureFrame reads the most recent frame from the active source. It
// returns ErrNoSignal when the source is off, disconnected, or has never
// produced a frame. The wait is bounded by ctx: if the slot's device is
// busy past the caller's budget, the last decoded frame is returned when
// one exists, otherwise ErrNoSignal.
func (m *Manager) CaptureFrame(ctx context.Context) (*Frame, error) {
	m.mu.RLock()
	s := m.slots[m.active]
	ready := s.power && s.connected && s.dev != nil
	m.mu.RUnlock()

	if !ready {
		return nil, ErrNoSignal
	}

	if err := s.acquire(ctx); err != nil {
		// Device busy past the caller's budget; fall back to the most
		// recent frame rather than blocking a render loop.
		m.mu.RLock()
		last := s.lastFrame
		m.mu.RUnlock()
		if last != nil {
			return last, nil
		}
		return nil, ErrNoSignal
	}
	defer s.release()

	m.mu.RLock()
	dev := s.dev
	m.mu.RUnlock()
	if dev == nil {
		// Powered off while we waited for the semaphore.
		return nil, ErrNoSignal
	}

	frame, err := dev.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, ErrDeviceFault) {
			m.logger.Warn("Frame read failed", "slot", s.id, "name", s.name, "error", err)
		}
		return nil, ErrNoSignal
	}

	m.mu.Lock()
	s.lastFrame = frame
	s.lastSeen = frame.Timestamp
	m.mu.Unlock()

	return frame, nil
}

// Shutdown powers off all slots and releases their handles.
func (m *Manager) Shutdown(ctx context.Context) {
	for i := 0; i < config.SlotCount; i++ {
		m.mu.RLock()
		on := m.slots[i].power
		m.mu.RUnlock()
		if on {
			if err := m.SetPower(ctx, i, false); err != nil {
				m.logger.Warn("Shutdown power-off failed", "slot", i, "error", err)
			}
		}
	}
}

// persistSlot records slot state in the database, best effort. At most one
// row may carry the active flag; marking a slot active clears the rest in
// the same transaction.
func (m *Manager) persistSlot(ctx context.Context, s *slot, active bool) {
	if m.db == nil {
		return
	}

	m.mu.RLock()
	name, power := s.name, s.power
	m.mu.RUnlock()

	err := m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if active {
			if _, err := tx.ExecContext(ctx, `
				UPDATE camera_slots SET active = 0 WHERE slot != ?
			`, s.id); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO camera_slots (slot, name, power, active, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(slot) DO UPDATE SET
				name = excluded.name,
				power = excluded.power,
				active = excluded.active,
				updated_at = excluded.updated_at
		`, s.id, name, boolInt(power), boolInt(active), time.Now().Unix())
		return err
	})
	if err != nil {
		m.logger.Error("Failed to persist slot state", "slot", s.id, "error", err)
	}
}

func powerState(on bool) Power {
	if on {
		return PowerOn
	}
	return PowerOff
}

func powerString(on bool) string {
	return string(powerState(on))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
