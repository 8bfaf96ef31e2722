package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pickpoint/opconsole/internal/config"
	"github.com/pickpoint/opconsole/internal/database"
)

// mockDevice is a scripted device handle that records open/read/close calls
// and flags any overlapping ReadFrame windows.
type mockDevice struct {
	slot      int
	readDelay time.Duration
	failOpen  bool
	failRead  bool

	opens    int32
	reads    int32
	closes   int32
	inFlight int32
	overlaps int32
}

func (d *mockDevice) Open(ctx context.Context) error {
	atomic.AddInt32(&d.opens, 1)
	if d.failOpen {
		return ErrDeviceFault
	}
	return nil
}

func (d *mockDevice) ReadFrame(ctx context.Context) (*Frame, error) {
	if atomic.AddInt32(&d.inFlight, 1) > 1 {
		atomic.AddInt32(&d.overlaps, 1)
	}
	defer atomic.AddInt32(&d.inFlight, -1)

	if d.readDelay > 0 {
		select {
		case <-time.After(d.readDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := atomic.AddInt32(&d.reads, 1)
	if d.failRead {
		return nil, ErrDeviceFault
	}
	return &Frame{
		Slot:      d.slot,
		Timestamp: time.Now(),
		Data:      []byte{0xFF, 0xD8, byte(n)},
		Width:     640,
		Height:    480,
	}, nil
}

func (d *mockDevice) Close() error {
	atomic.AddInt32(&d.closes, 1)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	for i := 0; i < config.SlotCount; i++ {
		cfg.Cameras[i].DeviceURL = "http://127.0.0.1:1/snapshot"
	}
	return cfg
}

// newTestManager wires a manager to mock devices and returns both.
func newTestManager(t *testing.T, tmpl mockDevice) (*Manager, []*mockDevice) {
	t.Helper()

	devs := make([]*mockDevice, config.SlotCount)
	factory := func(slot int, deviceURL string) Device {
		d := tmpl
		d.slot = slot
		devs[slot] = &d
		return devs[slot]
	}
	return NewManager(testConfig(), nil, factory), devs
}

func TestSelectInvalidSource(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{})
	ctx := context.Background()

	for _, slot := range []int{-1, 3, 99} {
		err := m.Select(ctx, slot)
		if !errors.Is(err, ErrInvalidSource) {
			t.Errorf("Select(%d): got %v, want ErrInvalidSource", slot, err)
		}
	}

	if got := m.Active(); got != 0 {
		t.Errorf("active slot changed to %d after rejected selects", got)
	}
}

func TestSelectOpensPoweredSlot(t *testing.T) {
	m, devs := newTestManager(t, mockDevice{})
	ctx := context.Background()

	if err := m.SetPower(ctx, 1, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if err := m.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if got := m.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
	if devs[1] == nil || atomic.LoadInt32(&devs[1].opens) == 0 {
		t.Error("device for slot 1 was never opened")
	}
}

func TestSelectWithDeviceFaultStillActivates(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{failOpen: true})
	ctx := context.Background()

	if err := m.SetPower(ctx, 2, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	// Open fails, but the selection itself must stick so the operator sees
	// the placeholder instead of an error.
	if err := m.Select(ctx, 2); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := m.Active(); got != 2 {
		t.Errorf("Active() = %d, want 2", got)
	}
	if _, err := m.CaptureFrame(ctx); !errors.Is(err, ErrNoSignal) {
		t.Errorf("CaptureFrame on faulted device: got %v, want ErrNoSignal", err)
	}
}

func TestSetPowerIdempotent(t *testing.T) {
	m, devs := newTestManager(t, mockDevice{})
	ctx := context.Background()

	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("first SetPower: %v", err)
	}
	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("repeated SetPower: %v", err)
	}
	if got := atomic.LoadInt32(&devs[0].opens); got != 1 {
		t.Errorf("device opened %d times, want 1", got)
	}

	if err := m.SetPower(ctx, 0, false); err != nil {
		t.Fatalf("SetPower off: %v", err)
	}
	if err := m.SetPower(ctx, 0, false); err != nil {
		t.Fatalf("repeated SetPower off: %v", err)
	}
	if got := atomic.LoadInt32(&devs[0].closes); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
}

func TestPowerOffActiveSourceNoSignal(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{})
	ctx := context.Background()

	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if _, err := m.CaptureFrame(ctx); err != nil {
		t.Fatalf("CaptureFrame while powered: %v", err)
	}

	if err := m.SetPower(ctx, 0, false); err != nil {
		t.Fatalf("SetPower off: %v", err)
	}

	// The active pointer is untouched; the source just has no signal.
	if got := m.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
	if _, err := m.CaptureFrame(ctx); !errors.Is(err, ErrNoSignal) {
		t.Errorf("CaptureFrame after power off: got %v, want ErrNoSignal", err)
	}
}

func TestCaptureFrameUnpoweredSlot(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{})

	if _, err := m.CaptureFrame(context.Background()); !errors.Is(err, ErrNoSignal) {
		t.Errorf("got %v, want ErrNoSignal", err)
	}
}

func TestCaptureFrameReadFault(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{failRead: true})
	ctx := context.Background()

	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if _, err := m.CaptureFrame(ctx); !errors.Is(err, ErrNoSignal) {
		t.Errorf("got %v, want ErrNoSignal", err)
	}
}

func TestConcurrentCapturesNeverOverlap(t *testing.T) {
	m, devs := newTestManager(t, mockDevice{readDelay: 5 * time.Millisecond})
	ctx := context.Background()

	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				// Generous budget so every goroutine waits its turn.
				cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				_, err := m.CaptureFrame(cctx)
				cancel()
				if err != nil {
					t.Errorf("CaptureFrame: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&devs[0].overlaps); got != 0 {
		t.Errorf("observed %d overlapping device reads", got)
	}
}

func TestBusyDeviceFallsBackToLastFrame(t *testing.T) {
	m, devs := newTestManager(t, mockDevice{})
	ctx := context.Background()

	if err := m.SetPower(ctx, 0, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}

	first, err := m.CaptureFrame(ctx)
	if err != nil {
		t.Fatalf("priming capture: %v", err)
	}

	// Slow down the device and keep it busy from another goroutine.
	devs[0].readDelay = 200 * time.Millisecond
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		m.CaptureFrame(ctx)
		close(done)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	frame, err := m.CaptureFrame(cctx)
	if err != nil {
		t.Fatalf("busy capture: %v", err)
	}
	if string(frame.Data) != string(first.Data) {
		t.Error("busy capture did not return the last decoded frame")
	}
	<-done
}

func TestSelectPersistsSingleActiveRow(t *testing.T) {
	db, err := database.Open(database.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	devs := make([]*mockDevice, config.SlotCount)
	factory := func(slot int, deviceURL string) Device {
		devs[slot] = &mockDevice{slot: slot}
		return devs[slot]
	}
	m := NewManager(testConfig(), db, factory)
	ctx := context.Background()

	if err := m.Select(ctx, 0); err != nil {
		t.Fatalf("Select(0): %v", err)
	}
	if err := m.Select(ctx, 1); err != nil {
		t.Fatalf("Select(1): %v", err)
	}

	var count, slot int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM camera_slots WHERE active = 1`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count active rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d active rows, want 1", count)
	}
	row = db.QueryRowContext(ctx, `SELECT slot FROM camera_slots WHERE active = 1`)
	if err := row.Scan(&slot); err != nil {
		t.Fatalf("scan active slot: %v", err)
	}
	if slot != 1 {
		t.Errorf("active slot = %d, want 1", slot)
	}
}

func TestSourcesSnapshot(t *testing.T) {
	m, _ := newTestManager(t, mockDevice{})
	ctx := context.Background()

	if err := m.SetPower(ctx, 1, true); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if err := m.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := m.CaptureFrame(ctx); err != nil {
		t.Fatalf("CaptureFrame: %v", err)
	}

	states := m.Sources()
	if len(states) != config.SlotCount {
		t.Fatalf("got %d states, want %d", len(states), config.SlotCount)
	}
	for _, st := range states {
		switch st.Slot {
		case 1:
			if st.Power != PowerOn || !st.Active || !st.Connected {
				t.Errorf("slot 1 state = %+v", st)
			}
			if st.LastFrame == nil {
				t.Error("slot 1 missing last frame timestamp")
			}
		default:
			if st.Power != PowerOff || st.Active {
				t.Errorf("slot %d state = %+v", st.Slot, st)
			}
		}
	}
}
