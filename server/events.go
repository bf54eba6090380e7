package server

import (
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/messages"
)

type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

func header(typ string) serverEvent {
	return serverEvent{Type: typ, EventID: "event_" + uuid.NewString()}
}

type audioDelta struct {
	serverEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type transcriptDelta struct {
	serverEvent
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type inputTranscription struct {
	serverEvent
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type outputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type outputItemDone struct {
	serverEvent
	ResponseID string     `json:"response_id"`
	Item       outputItem `json:"item"`
}

type responseBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type responseDone struct {
	serverEvent
	Response responseBody `json:"response"`
}

type speechStarted struct {
	serverEvent
	ItemID       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEvent struct {
	serverEvent
	Error errorBody `json:"error"`
}

type sessionUpdated struct {
	serverEvent
}

func encodeBytes(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func newError(kind, code, message string) errorEvent {
	return errorEvent{serverEvent: header(messages.TypeError), Error: errorBody{Type: kind, Code: code, Message: message}}
}

// SendAudioBytes sends raw PCM16 bytes as one audio delta; the byte count may
// be odd
func (c *Conn) SendAudioBytes(responseID string, pcm []byte) error {
	return c.Send(audioDelta{
		serverEvent: header(messages.TypeAudioDelta),
		ResponseID:  responseID,
		ItemID:      "item_" + responseID,
		Delta:       encodeBytes(pcm),
	})
}

// SendAudio sends one frame as an audio delta
func (c *Conn) SendAudio(responseID string, frame audio.Frame) error {
	return c.SendAudioBytes(responseID, frame.Bytes())
}

func (c *Conn) SendTranscriptDelta(responseID, delta string) error {
	return c.Send(transcriptDelta{
		serverEvent: header(messages.TypeAudioTranscriptDelta),
		ResponseID:  responseID,
		ItemID:      "item_" + responseID,
		Delta:       delta,
	})
}

func (c *Conn) SendUserTranscript(text string) error {
	return c.Send(inputTranscription{
		serverEvent: header(messages.TypeInputTranscription),
		ItemID:      "item_" + uuid.NewString(),
		Transcript:  text,
	})
}

func (c *Conn) SendFunctionCall(responseID, callID, name, arguments string) error {
	return c.Send(outputItemDone{
		serverEvent: header(messages.TypeOutputItemDone),
		ResponseID:  responseID,
		Item: outputItem{
			ID:        "item_" + callID,
			Type:      messages.ItemFunctionCall,
			CallID:    callID,
			Name:      name,
			Arguments: arguments,
		},
	})
}

// SendMessageItemDone finishes a plain message item, which clients ignore
func (c *Conn) SendMessageItemDone(responseID string) error {
	return c.Send(outputItemDone{
		serverEvent: header(messages.TypeOutputItemDone),
		ResponseID:  responseID,
		Item:        outputItem{ID: "item_" + responseID, Type: "message"},
	})
}

func (c *Conn) SendResponseDone(responseID string) error {
	return c.Send(responseDone{
		serverEvent: header(messages.TypeResponseDone),
		Response:    responseBody{ID: responseID, Status: "completed"},
	})
}

func (c *Conn) SendSpeechStarted(audioStartMs int) error {
	return c.Send(speechStarted{
		serverEvent:  header(messages.TypeSpeechStarted),
		ItemID:       "item_" + uuid.NewString(),
		AudioStartMs: audioStartMs,
	})
}

func (c *Conn) SendError(code, message string) error {
	return c.Send(newError("invalid_request_error", code, message))
}

func (c *Conn) SendSessionUpdated() error {
	return c.Send(sessionUpdated{serverEvent: header("session.updated")})
}
