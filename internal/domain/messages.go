package domain

import (
	"encoding/json"
	"time"
)

// MessageKind tags the known message kinds crossing the script/host
// boundary. Anything unrecognized is carried as MessageUnknown rather than
// rejected; extension scripts send whatever they like.
type MessageKind string

const (
	MessageSendMessage        MessageKind = "sendMessage"
	MessageStorageGet         MessageKind = "storageGet"
	MessageStorageSet         MessageKind = "storageSet"
	MessageUpdateDynamicRules MessageKind = "updateDynamicRules"
	MessageUnknown            MessageKind = "unknown"
)

// Message is one event crossing the boundary between an extension execution
// context and the host. Payload is the raw JSON body; callers that care
// about its shape unmarshal it themselves.
type Message struct {
	Kind        MessageKind     `json:"kind"`
	ExtensionID string          `json:"extension_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ParseMessageKind maps a channel name to its MessageKind.
func ParseMessageKind(channel string) MessageKind {
	switch MessageKind(channel) {
	case MessageSendMessage, MessageStorageGet, MessageStorageSet, MessageUpdateDynamicRules:
		return MessageKind(channel)
	default:
		return MessageUnknown
	}
}

// NewMessage builds a Message from a channel name and raw payload.
func NewMessage(channel, extensionID string, payload []byte) Message {
	return Message{
		Kind:        ParseMessageKind(channel),
		ExtensionID: extensionID,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
}
