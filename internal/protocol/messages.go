package protocol

import "time"

// ChatRequest asks the assistant a question. ImageBase64 is optional.
type ChatRequest struct {
	Text        string `json:"text"`
	ImageMIME   string `json:"image_mime,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// ChatResponse answers a ChatRequest.
type ChatResponse struct {
	Reply          string `json:"reply,omitempty"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error,omitempty"`
}

// VoiceControl drives the voice session. Action is start, stop or reset.
type VoiceControl struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
}

// VoiceControlReply reports the result of a VoiceControl.
type VoiceControlReply struct {
	Outcome string `json:"outcome,omitempty"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// TurnEvent is broadcast for every appended turn.
type TurnEvent struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
}

// StateEvent is broadcast for every voice state change.
type StateEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChatRequest  = "sous.chat.request"
	SubjectVoiceControl = "sous.voice.control"
	SubjectHistoryTurn  = "sous.history.turn"
	SubjectVoiceState   = "sous.voice.state"

	// StreamHistory retains broadcast turns when JetStream is available.
	StreamHistory         = "SOUS_HISTORY"
	StreamHistorySubjects = "sous.history.>"
)
