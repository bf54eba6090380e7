package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the rate used on both directions of the realtime session.
	SampleRate = 24000
	// FrameSamples is the number of samples in one captured block.
	FrameSamples = 4096
	// BytesPerSample for signed 16-bit mono PCM.
	BytesPerSample = 2
)

// Frame is a chunk of mono signed 16-bit PCM at SampleRate.
type Frame []int16

// Duration returns how long the frame plays at SampleRate.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f))
}

// Bytes returns the little-endian encoding of the frame.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f)*BytesPerSample)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FrameFromBytes decodes little-endian PCM. A trailing odd byte is ignored;
// use StreamDecoder when chunks may split a sample.
func FrameFromBytes(b []byte) Frame {
	out := make(Frame, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesDuration converts a sample count at SampleRate to a duration.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// FloatToPCM16 converts normalized samples to signed 16-bit with saturation.
// Negative values scale by 32768, non-negative by 32767.
func FloatToPCM16(in []float32) Frame {
	out := make(Frame, len(in))
	for i, v := range in {
		s := float64(v)
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// PCM16ToFloat converts samples back to the [-1,1) range.
func PCM16ToFloat(in Frame) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// StreamDecoder turns an ordered sequence of arbitrarily sized byte chunks
// into frames, carrying a split sample over to the next chunk.
type StreamDecoder struct {
	pending []byte
}

// Feed appends a chunk and returns every complete sample it yields.
func (d *StreamDecoder) Feed(chunk []byte) Frame {
	if len(d.pending) > 0 {
		chunk = append(d.pending, chunk...)
		d.pending = nil
	}
	whole := len(chunk) &^ 1
	if whole < len(chunk) {
		d.pending = []byte{chunk[whole]}
	}
	return FrameFromBytes(chunk[:whole])
}

// Reset drops a carried byte, used when the remote stream restarts.
func (d *StreamDecoder) Reset() {
	d.pending = nil
}
