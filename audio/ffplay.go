package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
)

const mixTick = 20 * time.Millisecond

// FFPlayOptions configures the ffplay-backed output device.
type FFPlayOptions struct {
	Path string
	// Silent mixes and advances the clock without spawning ffplay.
	Silent bool
	Log    pslog.Logger
}

// FFPlay is a software mixer that renders scheduled voices and streams the
// result to an ffplay process as s16le. The device clock is wall time since
// the device opened.
type FFPlay struct {
	opts FFPlayOptions

	mu      sync.Mutex
	origin  time.Time
	written int64
	voices  map[uint64]*mixVoice
	seq     uint64
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

type mixVoice struct {
	dev     *FFPlay
	id      uint64
	start   int64
	samples []float32
	onEnded func()
}

// OpenFFPlay starts the mixer and, unless Silent, the ffplay process.
func OpenFFPlay(opts FFPlayOptions) (*FFPlay, error) {
	d := &FFPlay{
		opts:   opts,
		origin: time.Now(),
		voices: make(map[uint64]*mixVoice),
		done:   make(chan struct{}),
	}
	if !opts.Silent {
		if err := d.startProcess(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
	return d, nil
}

// Opener adapts OpenFFPlay to a DeviceOpener.
func (o FFPlayOptions) Opener() DeviceOpener {
	return func() (Device, error) {
		return OpenFFPlay(o)
	}
}

func (d *FFPlay) startProcess() error {
	path := d.opts.Path
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(SampleRate),
		"-i", "-",
	}
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", path, err)
	}
	d.cmd = cmd
	d.stdin = stdin
	return nil
}

// Now returns the time elapsed since the device opened.
func (d *FFPlay) Now() time.Duration {
	return time.Since(d.origin)
}

// Start registers buf with the mixer at device time at.
func (d *FFPlay) Start(buf Buffer, at time.Duration, onEnded func()) (Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("device closed")
	}
	d.seq++
	v := &mixVoice{
		dev:     d,
		id:      d.seq,
		start:   int64(at) * SampleRate / int64(time.Second),
		samples: buf.Samples,
		onEnded: onEnded,
	}
	d.voices[v.id] = v
	return v, nil
}

// Stop removes the voice from the mix.
func (v *mixVoice) Stop() error {
	d := v.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.voices[v.id]; !ok {
		return ErrAlreadyStopped
	}
	delete(d.voices, v.id)
	return nil
}

func (d *FFPlay) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(mixTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.onTick()
		}
	}
}

// onTick renders everything up to the current clock. Ended callbacks run
// after the device lock is released.
func (d *FFPlay) onTick() {
	target := int64(d.Now()) * SampleRate / int64(time.Second)

	d.mu.Lock()
	from := d.written
	if target <= from {
		d.mu.Unlock()
		return
	}
	pcm := d.mixLocked(from, target)
	d.written = target

	var finished []func()
	for id, v := range d.voices {
		if v.start+int64(len(v.samples)) <= target {
			delete(d.voices, id)
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
		}
	}
	stdin := d.stdin
	d.mu.Unlock()

	if stdin != nil {
		if _, err := stdin.Write(pcm); err != nil && d.opts.Log != nil {
			d.opts.Log.Warn("ffplay write failed", "err", err)
		}
	}
	for _, fn := range finished {
		fn()
	}
}

func (d *FFPlay) mixLocked(from, to int64) []byte {
	n := to - from
	out := make([]byte, n*BytesPerSample)
	for i := int64(0); i < n; i++ {
		pos := from + i
		var sum float64
		for _, v := range d.voices {
			off := pos - v.start
			if off >= 0 && off < int64(len(v.samples)) {
				sum += float64(v.samples[off])
			}
		}
		sum = math.Max(-1, math.Min(1, sum))
		var s int16
		if sum < 0 {
			s = int16(sum * 0x8000)
		} else {
			s = int16(sum * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Close stops the mixer and the ffplay process.
func (d *FFPlay) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.voices = make(map[uint64]*mixVoice)
	d.mu.Unlock()

	d.cancel()
	<-d.done

	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
	return nil
}
