package models

import "encoding/json"

// Socket event names. These are the wire contract with the frontend.
const (
	EventMatchFind      = "match:find"
	EventMatchSkip      = "match:skip"
	EventMatchLeave     = "match:leave"
	EventMatchWaiting   = "match:waiting"
	EventMatchSuccess   = "match:success"
	EventMessageSend    = "message:send"
	EventMessageReceive = "message:receive"
	EventUserTyping     = "user:typing"
	EventPartnerTyping  = "partner:typing"
	EventPartnerLeft    = "partner:left"
	EventError          = "error"
)

// AnonymousPartnerLabel is what a matched user sees instead of the partner's
// real connection id.
const AnonymousPartnerLabel = "Stranger"

type SendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type MatchedPayload struct {
	RoomID    string `json:"roomId"`
	PartnerID string `json:"partnerId"`
}

type MessagePayload struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

type PartnerTypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// DecodeMatched recovers a MatchedPayload from either an in-process struct or
// the raw JSON that rode a broadcast envelope from another process.
func DecodeMatched(v interface{}) (MatchedPayload, bool) {
	switch p := v.(type) {
	case MatchedPayload:
		return p, true
	case *MatchedPayload:
		return *p, true
	case json.RawMessage:
		var m MatchedPayload
		if err := json.Unmarshal(p, &m); err != nil || m.RoomID == "" {
			return MatchedPayload{}, false
		}
		return m, true
	case []byte:
		return DecodeMatched(json.RawMessage(p))
	}
	return MatchedPayload{}, false
}
