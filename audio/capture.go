package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"pkt.systems/pslog"
)

// ErrCaptureUnavailable is returned by Start when the input device cannot be
// opened or produces no audio.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// ErrCaptureStopped is returned by Start when Stop was called before the
// first audio arrived.
var ErrCaptureStopped = errors.New("audio capture stopped before start")

const floatBytes = 4

// Source opens a live stream of mono float32 little-endian samples at
// SampleRate. Closing the stream releases the device.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Recorder turns a Source into fixed-size frames pushed to a sink.
type Recorder struct {
	source Source
	sink   func(Frame)
	log    pslog.Logger

	mu       sync.Mutex
	pending  *pendingStart
	stream   io.ReadCloser
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// pendingStart is a Start that has not seen audio yet. Stop aborts it by
// cancelling the open and closing whatever stream it already holds.
type pendingStart struct {
	cancel  context.CancelFunc
	stream  io.ReadCloser
	aborted bool
}

// NewRecorder creates a recorder. The sink is called from the recorder's
// goroutine, once per FrameSamples block, in capture order.
func NewRecorder(source Source, sink func(Frame), log pslog.Logger) *Recorder {
	return &Recorder{source: source, sink: sink, log: log}
}

// Start acquires the device and begins emitting frames. It blocks until the
// first audio arrives so a missing device or denied permission surfaces here.
// A concurrent Stop aborts the wait and Start returns ErrCaptureStopped.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stream != nil || r.pending != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &pendingStart{cancel: cancel}
	r.pending = p
	r.mu.Unlock()

	stream, err := r.source.Open(ctx)
	if err != nil {
		if r.finishPending(p) {
			cancel()
			return ErrCaptureStopped
		}
		cancel()
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	r.mu.Lock()
	if p.aborted {
		r.mu.Unlock()
		r.finishPending(p)
		cancel()
		_ = stream.Close()
		return ErrCaptureStopped
	}
	p.stream = stream
	r.mu.Unlock()

	reader := bufio.NewReaderSize(stream, FrameSamples*floatBytes)
	if _, err := reader.Peek(floatBytes); err != nil {
		aborted := r.finishPending(p)
		cancel()
		_ = stream.Close()
		if aborted {
			return ErrCaptureStopped
		}
		return fmt.Errorf("%w: no audio from input: %v", ErrCaptureUnavailable, err)
	}

	r.mu.Lock()
	if p.aborted {
		r.mu.Unlock()
		r.finishPending(p)
		cancel()
		_ = stream.Close()
		return ErrCaptureStopped
	}
	r.pending = nil
	r.stream = stream
	r.cancel = cancel
	r.done = make(chan struct{})
	r.stopping = false
	done := r.done
	r.mu.Unlock()

	go r.readLoop(reader, done)
	r.log.Info("capture started", "sample_rate", SampleRate, "frame_samples", FrameSamples)
	return nil
}

// finishPending clears p if it is still the pending start and reports
// whether Stop aborted it.
func (r *Recorder) finishPending(p *pendingStart) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == p {
		r.pending = nil
	}
	return p.aborted
}

func (r *Recorder) readLoop(reader io.Reader, done chan struct{}) {
	defer close(done)

	raw := make([]byte, FrameSamples*floatBytes)
	block := make([]float32, FrameSamples)
	for {
		if _, err := io.ReadFull(reader, raw); err != nil {
			if !r.isStopping() {
				r.log.Warn("capture ended", "err", err)
				r.release(done)
			}
			return
		}
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*floatBytes:]))
		}
		frame := FloatToPCM16(block)

		if r.isStopping() {
			return
		}
		r.sink(frame)
	}
}

// release drops the device after the input ended on its own. It is a no-op
// when Stop or a newer Start already owns the state.
func (r *Recorder) release(done chan struct{}) {
	r.mu.Lock()
	if r.done != done || r.stopping {
		r.mu.Unlock()
		return
	}
	stream, cancel := r.stream, r.cancel
	r.stream, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	cancel()
	_ = stream.Close()
}

func (r *Recorder) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Recording reports whether the device is currently held.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Stop releases the device. It waits for the reader goroutine, so no frame
// reaches the sink after Stop returns. Safe to call more than once and
// while Start is still waiting for audio.
// It must not be called from inside the sink.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if p := r.pending; p != nil {
		p.aborted = true
		r.pending = nil
		stream := p.stream
		r.mu.Unlock()
		p.cancel()
		if stream != nil {
			_ = stream.Close()
		}
		r.log.Info("capture start aborted")
		return
	}
	if r.stream == nil {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	stream, cancel, done := r.stream, r.cancel, r.done
	r.stream, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	cancel()
	_ = stream.Close()
	<-done
	r.log.Info("capture stopped")
}
