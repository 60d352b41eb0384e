// Package capture implements C4: a directed pipeline from a virtual
// display's framebuffer to encoded VP8 packets ready for C6's media
// track. Source -> color-space conversion -> frame-change gate ->
// encode -> sink, all in-process; frames never cross the sandbox
// boundary except as encrypted RTP (spec.md §9).
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var log = logging.L("capture")

// FrameConfig parameterizes the pipeline per spec.md §3.
type FrameConfig struct {
	Width         int
	Height        int
	TargetFPS     int
	TargetBitrate int // bits per second
	KeyframeEvery int // frames between forced keyframes
}

func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Width:         1920,
		Height:        1080,
		TargetFPS:     30,
		TargetBitrate: 2_000_000,
		KeyframeEvery: 120,
	}
}

// Source reads the virtual display's framebuffer and returns raw RGBA
// pixel data for the whole frame, plus its stride. Implementations are
// not required to be safe for concurrent use; the pipeline calls Capture
// from a single goroutine.
type Source interface {
	Capture() (pix []byte, stride int, err error)
	Close() error
}

// Packet is one encoded VP8 elementary-stream unit ready for RTP
// packetization, with the presentation flag a data channel / RTP
// packetizer needs to mark keyframes.
type Packet struct {
	Data      []byte
	Keyframe  bool
	Timestamp time.Duration
}

// Sink receives encoded packets as they are produced. C6's media track
// implements this directly — no on-disk buffering anywhere in between.
type Sink interface {
	WritePacket(Packet) error
}

// Encoder is the VP8 encoder backend contract. encoder_vp8.go provides
// the concrete libvpx-backed implementation; BackendIsHardware always
// reports false in this build (see DESIGN.md).
type Encoder interface {
	Encode(i420 []byte, forceKeyframe bool) ([]byte, bool, error)
	SetBitrate(bitsPerSecond int) error
	BackendIsHardware() bool
	Close() error
}

// Pipeline ties one Source, frame differ and Encoder to a Sink, driven
// by a ticker at FrameConfig.TargetFPS. Failures are fatal to the
// pipeline and are returned from Run — C8 treats this as fatal to the
// owning session per spec.md §4.4.
type Pipeline struct {
	cfg    FrameConfig
	src    Source
	enc    Encoder
	sink   Sink
	differ *frameDiffer

	forceNext chan struct{}
	framesOut uint64
}

func NewPipeline(cfg FrameConfig, src Source, enc Encoder, sink Sink) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		src:       src,
		enc:       enc,
		sink:      sink,
		differ:    newFrameDiffer(),
		forceNext: make(chan struct{}, 1),
	}
}

// ForceKeyframe requests the next encoded frame be a keyframe — driven by
// C6's RTCP PLI/FIR handling or by the very first frame of a session.
func (p *Pipeline) ForceKeyframe() {
	select {
	case p.forceNext <- struct{}{}:
	default:
	}
}

// Run drives the capture/encode loop until ctx is cancelled or a fatal
// pipeline error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(max(1, p.cfg.TargetFPS))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	sinceKeyframe := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pix, stride, err := p.src.Capture()
			if err != nil {
				return fmt.Errorf("capture frame: %w", err)
			}

			forced := p.consumeForce()
			sinceKeyframe++
			if p.cfg.KeyframeEvery > 0 && sinceKeyframe >= p.cfg.KeyframeEvery {
				forced = true
			}

			if !forced && !p.differ.HasChanged(pix) {
				continue
			}

			i420 := rgbaToI420(pix, p.cfg.Width, p.cfg.Height, stride)
			encoded, isKeyframe, err := p.enc.Encode(i420, forced)
			if err != nil {
				return fmt.Errorf("encode frame: %w", err)
			}
			if len(encoded) == 0 {
				continue
			}
			if isKeyframe {
				sinceKeyframe = 0
			}

			p.framesOut++
			if err := p.sink.WritePacket(Packet{
				Data:      encoded,
				Keyframe:  isKeyframe,
				Timestamp: time.Since(start),
			}); err != nil {
				return fmt.Errorf("write packet: %w", err)
			}
		}
	}
}

func (p *Pipeline) consumeForce() bool {
	select {
	case <-p.forceNext:
		return true
	default:
		return false
	}
}

// Close releases the source and encoder. Idempotent-tolerant: safe to
// call even if Run returned an error mid-frame.
func (p *Pipeline) Close() {
	if err := p.src.Close(); err != nil {
		log.Warn("capture source close failed", "error", err)
	}
	if err := p.enc.Close(); err != nil {
		log.Warn("encoder close failed", "error", err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
