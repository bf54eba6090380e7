package messages

import (
	"errors"
	"fmt"
)

// Server event types
const (
	TypeAudioDelta           = "response.audio.delta"
	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeInputTranscription   = "conversation.item.input_audio_transcription.completed"
	TypeOutputItemDone       = "response.output_item.done"
	TypeResponseDone         = "response.done"
	TypeSpeechStarted        = "input_audio_buffer.speech_started"
	TypeError                = "error"
)

// ErrUnhandledType marks server events outside the handled set
// (session.created, rate_limits.updated, ...). They are dropped.
var ErrUnhandledType = errors.New("unhandled event type")

// DecodeError reports an inbound message that could not be decoded
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode server event: %v", e.Err)
	}
	return fmt.Sprintf("decode server event %q: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Event is the closed set of server events the client acts on.
// The concrete types are AudioDelta, TranscriptDelta, UserTranscript,
// FunctionCall, ResponseDone, SpeechStarted and ServerError.
type Event interface {
	EventType() string
	isEvent()
}

// AudioDelta is one chunk of assistant audio, raw PCM16 little-endian
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Audio      []byte
}

// TranscriptDelta is partial assistant text
type TranscriptDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

// UserTranscript is a finished transcription of the user's speech
type UserTranscript struct {
	ItemID string
	Text   string
}

// FunctionCall is a fully argued tool call ready to dispatch
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string // raw JSON text
}

// ResponseDone marks the end of the assistant's turn
type ResponseDone struct {
	ResponseID string
	Status     string
}

// SpeechStarted signals the user began speaking (barge-in)
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// ServerError is an error reported by the realtime service
type ServerError struct {
	Kind    string
	Code    string
	Message string
	EventID string
}

func (AudioDelta) EventType() string      { return TypeAudioDelta }
func (TranscriptDelta) EventType() string { return TypeAudioTranscriptDelta }
func (UserTranscript) EventType() string  { return TypeInputTranscription }
func (FunctionCall) EventType() string    { return TypeOutputItemDone }
func (ResponseDone) EventType() string    { return TypeResponseDone }
func (SpeechStarted) EventType() string   { return TypeSpeechStarted }
func (ServerError) EventType() string     { return TypeError }

func (AudioDelta) isEvent()      {}
func (TranscriptDelta) isEvent() {}
func (UserTranscript) isEvent()  {}
func (FunctionCall) isEvent()    {}
func (ResponseDone) isEvent()    {}
func (SpeechStarted) isEvent()   {}
func (ServerError) isEvent()     {}

func (e ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime error %s: %s", e.Code, e.Message)
	}
	return "realtime error: " + e.Message
}

// envelope is decoded first to pick the concrete event
type envelope struct {
	Type string `json:"type"`
}

type wireAudioDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"` // Base64-encoded PCM16
}

type wireTranscriptDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type wireInputTranscription struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type wireOutputItemDone struct {
	ResponseID string `json:"response_id"`
	Item       struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
}

type wireResponseDone struct {
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

type wireSpeechStarted struct {
	ItemID       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
}

type wireError struct {
	EventID string `json:"event_id"`
	Error   struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses one inbound message. It returns (nil, nil) for recognised
// messages that carry nothing to act on, such as a finished output item that
// is not a function call.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing type")}
	}

	fail := func(err error) (Event, error) {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}

	switch env.Type {
	case TypeAudioDelta:
		var m wireAudioDelta
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		pcm, err := DecodePCM(m.Delta)
		if err != nil {
			return fail(err)
		}
		return AudioDelta{ResponseID: m.ResponseID, ItemID: m.ItemID, Audio: pcm}, nil

	case TypeAudioTranscriptDelta:
		var m wireTranscriptDelta
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		return TranscriptDelta{ResponseID: m.ResponseID, ItemID: m.ItemID, Delta: m.Delta}, nil

	case TypeInputTranscription:
		var m wireInputTranscription
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		return UserTranscript{ItemID: m.ItemID, Text: m.Transcript}, nil

	case TypeOutputItemDone:
		var m wireOutputItemDone
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		if m.Item.Type != ItemFunctionCall {
			return nil, nil
		}
		// a call with an id but no name still needs a result
		if m.Item.CallID == "" {
			return fail(errors.New("function call without call_id"))
		}
		return FunctionCall{CallID: m.Item.CallID, Name: m.Item.Name, Arguments: m.Item.Arguments}, nil

	case TypeResponseDone:
		var m wireResponseDone
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		return ResponseDone{ResponseID: m.Response.ID, Status: m.Response.Status}, nil

	case TypeSpeechStarted:
		var m wireSpeechStarted
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		return SpeechStarted{ItemID: m.ItemID, AudioStartMs: m.AudioStartMs}, nil

	case TypeError:
		var m wireError
		if err := Unmarshal(data, &m); err != nil {
			return fail(err)
		}
		return ServerError{
			Kind:    m.Error.Type,
			Code:    m.Error.Code,
			Message: m.Error.Message,
			EventID: m.EventID,
		}, nil

	default:
		return fail(ErrUnhandledType)
	}
}
