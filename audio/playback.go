package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// Lookahead is added to the device clock when playback starts or resumes
// after an underrun.
const Lookahead = 50 * time.Millisecond

var (
	// ErrAlreadyStopped is returned by Voice.Stop for a unit that already
	// finished or was stopped. The scheduler treats it as success.
	ErrAlreadyStopped = errors.New("voice already stopped")
	// ErrDeviceUnavailable wraps failures to open the output device.
	ErrDeviceUnavailable = errors.New("audio output unavailable")
)

// Buffer is a playable unit of normalized mono samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration of the buffer at its sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Voice is one scheduled buffer on a device.
type Voice interface {
	Stop() error
}

// Device is an output device with its own clock.
type Device interface {
	// Now is the current device time.
	Now() time.Duration
	// Start schedules buf to begin at the device time at. onEnded is called
	// once when the buffer finishes playing naturally.
	Start(buf Buffer, at time.Duration, onEnded func()) (Voice, error)
	Close() error
}

// DeviceOpener opens the output device on first use.
type DeviceOpener func() (Device, error)

// Scheduled describes a unit the scheduler placed on the device timeline.
type Scheduled struct {
	Start time.Duration
	End   time.Duration
}

// Scheduler queues frames back to back on a device so consecutive chunks
// play without gaps or overlap.
type Scheduler struct {
	open DeviceOpener
	log  pslog.Logger

	mu        sync.Mutex
	device    Device
	nextStart time.Duration
	active    map[uint64]Voice
	seq       uint64
}

// NewScheduler creates a scheduler that opens its device lazily.
func NewScheduler(open DeviceOpener, log pslog.Logger) *Scheduler {
	return &Scheduler{
		open:   open,
		log:    log,
		active: make(map[uint64]Voice),
	}
}

// Play schedules frame after everything already queued.
func (s *Scheduler) Play(frame Frame) (Scheduled, error) {
	if len(frame) == 0 {
		return Scheduled{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		device, err := s.open()
		if err != nil {
			return Scheduled{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		s.device = device
	}

	buf := Buffer{Samples: PCM16ToFloat(frame), SampleRate: SampleRate}

	now := s.device.Now()
	if s.nextStart < now {
		s.nextStart = now + Lookahead
	}
	start := s.nextStart

	s.seq++
	id := s.seq
	voice, err := s.device.Start(buf, start, func() { s.ended(id) })
	if err != nil {
		return Scheduled{}, fmt.Errorf("schedule buffer: %w", err)
	}
	s.active[id] = voice
	s.nextStart = start + buf.Duration()

	return Scheduled{Start: start, End: s.nextStart}, nil
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Stop halts every scheduled unit immediately and resets the timeline so
// the next Play re-establishes the lookahead. This is the barge-in path.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	for id, voice := range s.active {
		if err := voice.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			s.log.Warn("playback stop failed", "err", err)
		}
		delete(s.active, id)
	}
	s.nextStart = 0
}

// Reset stops playback and releases the output device.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.stopLocked()
	device := s.device
	s.device = nil
	s.mu.Unlock()

	// Closed outside the lock: the device may be delivering an ended callback.
	if device != nil {
		if err := device.Close(); err != nil {
			s.log.Warn("playback device close failed", "err", err)
		}
	}
}

// Active returns the number of units scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns where the next frame would be queued.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
