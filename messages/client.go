package messages

import "github.com/google/uuid"

// Client event types
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeInputAudioCommit       = "input_audio_buffer.commit"
	TypeResponseCreate         = "response.create"
	TypeConversationItemCreate = "conversation.item.create"
)

// Audio formats and session constants
const (
	AudioFormatPCM16       = "pcm16"
	TranscriptionModel     = "whisper-1"
	TurnDetectionServer    = "server_vad"
	VADThreshold           = 0.5
	VADPrefixPaddingMs     = 300
	VADSilenceDurationMs   = 300
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// SessionUpdate configures the realtime session
type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionParams `json:"session"`
}

// SessionParams is the session body of session.update
type SessionParams struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

// Transcription selects the model used to transcribe user audio
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection holds server-side voice activity detection parameters
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool declares a function the model may call
type Tool struct {
	Type        string  `json:"type"` // always "function"
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters"`
}

// Schema is the JSON schema subset used for tool parameters
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// InputAudioAppend streams one chunk of microphone audio
type InputAudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"` // Base64-encoded PCM16
}

// InputAudioCommit closes the current input audio buffer
type InputAudioCommit struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// ResponseCreate asks the model to respond
type ResponseCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// ConversationItemCreate adds an item to the conversation
type ConversationItemCreate struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    ConversationItem `json:"item"`
}

// ConversationItem carries a function call result
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// NewSessionUpdate creates the initial session configuration message
func NewSessionUpdate(instructions, voice string, tools []Tool) *SessionUpdate {
	return &SessionUpdate{
		Type:    TypeSessionUpdate,
		EventID: newEventID(),
		Session: SessionParams{
			Modalities:              []string{"audio", "text"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        AudioFormatPCM16,
			OutputAudioFormat:       AudioFormatPCM16,
			InputAudioTranscription: &Transcription{Model: TranscriptionModel},
			TurnDetection: &TurnDetection{
				Type:              TurnDetectionServer,
				Threshold:         VADThreshold,
				PrefixPaddingMs:   VADPrefixPaddingMs,
				SilenceDurationMs: VADSilenceDurationMs,
			},
			Tools:      tools,
			ToolChoice: "auto",
		},
	}
}

// NewInputAudioAppend creates an append message from encoded audio
func NewInputAudioAppend(encoded string) *InputAudioAppend {
	return &InputAudioAppend{Type: TypeInputAudioAppend, EventID: newEventID(), Audio: encoded}
}

// NewInputAudioCommit creates a commit message
func NewInputAudioCommit() *InputAudioCommit {
	return &InputAudioCommit{Type: TypeInputAudioCommit, EventID: newEventID()}
}

// NewResponseCreate creates a response request
func NewResponseCreate() *ResponseCreate {
	return &ResponseCreate{Type: TypeResponseCreate, EventID: newEventID()}
}

// NewFunctionCallOutput creates the reply to one function call
func NewFunctionCallOutput(callID, output string) *ConversationItemCreate {
	return &ConversationItemCreate{
		Type:    TypeConversationItemCreate,
		EventID: newEventID(),
		Item: ConversationItem{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}
