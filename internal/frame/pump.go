// Package frame turns the active camera source into a stream of JPEG
// images for the operator console. Rendering never fails: when the source
// has no signal or the device is busy past the frame budget, a generated
// placeholder is served instead.
package frame

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/pickpoint/opconsole/internal/camera"
	"github.com/pickpoint/opconsole/internal/config"
)

// Source produces the most recent frame from the active camera.
type Source interface {
	CaptureFrame(ctx context.Context) (*camera.Frame, error)
}

// Pump renders console frames on demand. One instance serves all viewers;
// the underlying manager serializes device access per slot.
type Pump struct {
	src         Source
	logger      *slog.Logger
	interval    time.Duration
	width       int
	height      int
	quality     int
	placeholder []byte
	noSignal    atomic.Bool
	rendered    atomic.Uint64
}

// NewPump builds a pump sized to the configured frame geometry. The
// placeholder image is generated once up front.
func NewPump(cfg *config.Config, src Source) *Pump {
	p := &Pump{
		src:      src,
		logger:   slog.Default().With("component", "frame"),
		interval: cfg.Frame.Interval(),
		width:    cfg.Frame.Width,
		height:   cfg.Frame.Height,
		quality:  80,
	}
	p.placeholder = p.renderPlaceholder()
	return p
}

// Interval returns the per-frame time budget.
func (p *Pump) Interval() time.Duration {
	return p.interval
}

// Render produces the JPEG for one console frame. frameIndex is the
// viewer's monotonically increasing tick; it exists so repeated requests
// are distinguishable in logs. The device wait is bounded by the frame
// interval, after which the placeholder is returned. Render never fails.
func (p *Pump) Render(ctx context.Context, frameIndex int) []byte {
	cctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	f, err := p.src.CaptureFrame(cctx)
	if err != nil || len(f.Data) == 0 {
		if p.noSignal.CompareAndSwap(false, true) {
			p.logger.Info("No signal from active source, serving placeholder", "frame_index", frameIndex)
		}
		return p.placeholder
	}

	if p.noSignal.CompareAndSwap(true, false) {
		p.logger.Info("Signal restored on active source", "slot", f.Slot, "frame_index", frameIndex)
	}
	p.rendered.Add(1)
	return f.Data
}

// Rendered reports how many live frames have been served since startup.
func (p *Pump) Rendered() uint64 {
	return p.rendered.Load()
}

// Placeholder returns the generated no-signal image.
func (p *Pump) Placeholder() []byte {
	return p.placeholder
}

// renderPlaceholder draws the no-signal card at full frame geometry. Text
// is drawn small and scaled up so the bitmap font stays legible.
func (p *Pump) renderPlaceholder() []byte {
	const label = "NO SIGNAL"
	const scale = 4

	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()

	// Render the label into a small tile, then scale it onto the card.
	tile := image.NewRGBA(image.Rect(0, 0, textW+4, textH+4))
	drawer := &font.Drawer{
		Dst:  tile,
		Src:  image.NewUniform(color.RGBA{R: 0x9E, G: 0x9E, B: 0x9E, A: 0xFF}),
		Face: face,
		Dot:  fixed.P(2, face.Metrics().Ascent.Ceil()+2),
	}
	drawer.DrawString(label)

	card := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	bg := color.RGBA{R: 0x1A, G: 0x1A, B: 0x1A, A: 0xFF}
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			card.SetRGBA(x, y, bg)
		}
	}

	dstW := tile.Bounds().Dx() * scale
	dstH := tile.Bounds().Dy() * scale
	dst := image.Rect(
		(p.width-dstW)/2,
		(p.height-dstH)/2,
		(p.width-dstW)/2+dstW,
		(p.height-dstH)/2+dstH,
	)
	xdraw.NearestNeighbor.Scale(card, dst, tile, tile.Bounds(), xdraw.Over, nil)

	data, err := camera.EncodeJPEG(card, p.quality)
	if err != nil {
		// Encoding an in-memory RGBA cannot fail in practice; keep the
		// contract that Render always has bytes to serve.
		p.logger.Error("Placeholder encode failed", "error", err)
		return []byte{}
	}
	return data
}
