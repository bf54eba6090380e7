package server

import (
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/messages"
)

// Responder reacts to client events on the connection's read goroutine
type Responder interface {
	Handle(c *Conn, ev ClientEvent)
}

// ResponderFunc adapts a function to Responder
type ResponderFunc func(c *Conn, ev ClientEvent)

func (f ResponderFunc) Handle(c *Conn, ev ClientEvent) { f(c, ev) }

// Turn is one scripted assistant reply. A turn with Call set issues a
// function call instead of speaking; the tool output is then read back.
type Turn struct {
	Say  string
	Call *messages.FunctionCall
}

// ScriptedResponder plays Turns in order, one per response.create, and
// wraps around at the end. Speech is rendered as a short tone per word.
type ScriptedResponder struct {
	Turns []Turn
	// ChunkBytes splits audio deltas; odd sizes exercise split samples
	ChunkBytes int

	mu          sync.Mutex
	next        int
	appended    int
	toolOutput  string
	pendingTool bool
}

func (r *ScriptedResponder) Handle(c *Conn, ev ClientEvent) {
	switch ev.Type {
	case messages.TypeSessionUpdate:
		c.SendSessionUpdated()

	case messages.TypeInputAudioAppend:
		var m messages.InputAudioAppend
		if err := ev.Decode(&m); err != nil {
			c.SendError("invalid_audio", err.Error())
			return
		}
		pcm, err := messages.DecodePCM(m.Audio)
		if err != nil {
			c.SendError("invalid_audio", err.Error())
			return
		}
		r.mu.Lock()
		r.appended += len(pcm) / audio.BytesPerSample
		r.mu.Unlock()

	case messages.TypeInputAudioCommit:
		r.mu.Lock()
		samples := r.appended
		r.appended = 0
		r.mu.Unlock()
		if samples == 0 {
			c.SendError("input_audio_buffer_commit_empty", "buffer is empty")
			return
		}
		c.SendUserTranscript("(" + audio.SamplesDuration(samples).String() + " of audio)")

	case messages.TypeConversationItemCreate:
		var m messages.ConversationItemCreate
		if err := ev.Decode(&m); err != nil {
			c.SendError("invalid_item", err.Error())
			return
		}
		if m.Item.Type == messages.ItemFunctionCallOutput {
			r.mu.Lock()
			r.toolOutput = m.Item.Output
			r.pendingTool = true
			r.mu.Unlock()
		}

	case messages.TypeResponseCreate:
		r.respond(c)
	}
}

func (r *ScriptedResponder) respond(c *Conn) {
	responseID := "resp_" + uuid.NewString()

	r.mu.Lock()
	var turn Turn
	switch {
	case r.pendingTool:
		turn = Turn{Say: r.toolOutput}
		r.pendingTool = false
	case len(r.Turns) > 0:
		turn = r.Turns[r.next%len(r.Turns)]
		r.next++
	default:
		turn = Turn{Say: "I'm listening."}
	}
	r.mu.Unlock()

	if turn.Call != nil {
		callID := turn.Call.CallID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		c.SendFunctionCall(responseID, callID, turn.Call.Name, turn.Call.Arguments)
		c.SendResponseDone(responseID)
		return
	}

	words := strings.Fields(turn.Say)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		c.SendTranscriptDelta(responseID, w)
		r.sendChunked(c, responseID, Tone(440+float64(i%4)*110, 120))
	}
	c.SendMessageItemDone(responseID)
	c.SendResponseDone(responseID)
}

func (r *ScriptedResponder) sendChunked(c *Conn, responseID string, frame audio.Frame) {
	pcm := frame.Bytes()
	size := r.ChunkBytes
	if size <= 0 {
		size = len(pcm)
	}
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		if err := c.SendAudioBytes(responseID, pcm[:n]); err != nil {
			return
		}
		pcm = pcm[n:]
	}
}

// Tone renders a quiet sine wave of the given frequency and length
func Tone(freq float64, ms int) audio.Frame {
	n := audio.SampleRate * ms / 1000
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
	}
	return audio.FloatToPCM16(out)
}
