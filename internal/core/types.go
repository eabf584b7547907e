// Package core defines the fundamental types for the neural hub.
// Everything that crosses a package boundary or the wire lives here.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// PROTOCOL - the declared kind of a routed message
// -----------------------------------------------------------------------------

// Protocol is the tag every routed message carries
type Protocol string

const (
	ProtocolThoughtExchange       Protocol = "thought-exchange"
	ProtocolKnowledgeSync         Protocol = "knowledge-sync"
	ProtocolAgentCollaboration    Protocol = "agent-collaboration"
	ProtocolModelCommunication    Protocol = "model-communication"
	ProtocolEmergencyCoordination Protocol = "emergency-coordination"
)

// Protocols lists every recognized protocol in a stable order
func Protocols() []Protocol {
	return []Protocol{
		ProtocolThoughtExchange,
		ProtocolKnowledgeSync,
		ProtocolAgentCollaboration,
		ProtocolModelCommunication,
		ProtocolEmergencyCoordination,
	}
}

// Valid reports whether p is one of the recognized protocols
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolThoughtExchange, ProtocolKnowledgeSync, ProtocolAgentCollaboration,
		ProtocolModelCommunication, ProtocolEmergencyCoordination:
		return true
	}
	return false
}

// Well-known actions with protocol-specific handling
const (
	ActionSync    = "sync"
	ActionPropose = "propose"
)

// -----------------------------------------------------------------------------
// FRAMES - everything a connection sends or receives
// -----------------------------------------------------------------------------

// FrameType distinguishes control frames from routed messages
type FrameType string

const (
	FrameRegistration FrameType = "registration"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameMessage      FrameType = "message"

	// Hub to participant only
	FrameRegistered FrameType = "registered"
	FrameAccepted   FrameType = "accepted"
	FrameError      FrameType = "error"
)

// Broadcast is the target sentinel that matches every other registered
// connection. "broadcast:<participant>" narrows it to one participant's
// districts.
const Broadcast = "broadcast"

// Frame is the union of all control frames. Routed messages use Envelope.
type Frame struct {
	Type FrameType `json:"type"`

	// registration
	ParticipantID string   `json:"participant_id,omitempty"`
	DistrictID    string   `json:"district_id,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`

	// registered, accepted
	ConnectionID string `json:"connection_id,omitempty"`
	RoutingID    string `json:"routing_id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope is the wire form of a routed message.
type Envelope struct {
	Type       FrameType       `json:"type,omitempty"`
	Protocol   Protocol        `json:"protocol" validate:"required"`
	Action     string          `json:"action" validate:"required"`
	Source     string          `json:"source" validate:"required"`
	Targets    []string        `json:"targets"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	Timestamp  int64           `json:"timestamp"`
	RoutingID  string          `json:"routing_id,omitempty"`
	ReceivedAt int64           `json:"received_at,omitempty"`
}

// -----------------------------------------------------------------------------
// MESSAGE - a validated, typed routed message
// -----------------------------------------------------------------------------

// Message is a routed message after decoding. Once RoutingID is set the
// message is treated as immutable; Stamp returns copies.
type Message struct {
	RoutingID  string
	Protocol   Protocol
	Action     string
	Source     string
	Targets    []string
	Payload    Payload
	Timestamp  time.Time
	ReceivedAt time.Time
}

// Stamped reports whether the hub already assigned a routing identifier
func (m Message) Stamped() bool {
	return m.RoutingID != ""
}

// Stamp returns a copy carrying the routing identifier and receipt time.
// Stamping an already stamped message returns it unchanged.
func (m Message) Stamp(routingID string, receivedAt time.Time) Message {
	if m.Stamped() {
		return m
	}
	m.RoutingID = routingID
	m.ReceivedAt = receivedAt
	m.Targets = append([]string(nil), m.Targets...)
	if m.Timestamp.IsZero() {
		m.Timestamp = receivedAt
	}
	return m
}

// IsBroadcast reports whether the target list contains a broadcast sentinel
func (m Message) IsBroadcast() bool {
	for _, t := range m.Targets {
		if t == Broadcast || strings.HasPrefix(t, Broadcast+":") {
			return true
		}
	}
	return false
}

// Envelope converts the message to its wire form
func (m Message) Envelope() (Envelope, error) {
	var payload json.RawMessage
	if m.Payload != nil {
		data, err := m.Payload.MarshalJSON()
		if err != nil {
			return Envelope{}, err
		}
		payload = data
	}

	env := Envelope{
		Type:      FrameMessage,
		Protocol:  m.Protocol,
		Action:    m.Action,
		Source:    m.Source,
		Targets:   m.Targets,
		Payload:   payload,
		Timestamp: UnixMillis(m.Timestamp),
		RoutingID: m.RoutingID,
	}
	if !m.ReceivedAt.IsZero() {
		env.ReceivedAt = UnixMillis(m.ReceivedAt)
	}
	return env, nil
}

// -----------------------------------------------------------------------------
// KNOWLEDGE - versioned facts shared through knowledge-sync
// -----------------------------------------------------------------------------

// KnowledgeItem is a versioned fact held by the knowledge store
type KnowledgeItem struct {
	ID         string
	Kind       string // document, pattern, model, insight, ...
	Content    string
	Tags       []string
	Confidence float64 // 0.0 - 1.0
	Version    uint64
	Hash       string // sha256 of Content
	Source     string // participant that produced the stored value
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ContentHash returns the hex sha256 of content
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy
func (k KnowledgeItem) Clone() KnowledgeItem {
	k.Tags = append([]string(nil), k.Tags...)
	return k
}

type knowledgeWire struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind,omitempty"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
	Version    uint64   `json:"version,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	Source     string   `json:"source,omitempty"`
	CreatedAt  int64    `json:"created_at,omitempty"`
	UpdatedAt  int64    `json:"updated_at,omitempty"`
}

// MarshalJSON encodes timestamps as milliseconds since epoch
func (k KnowledgeItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(knowledgeWire{
		ID:         k.ID,
		Kind:       k.Kind,
		Content:    k.Content,
		Tags:       k.Tags,
		Confidence: k.Confidence,
		Version:    k.Version,
		Hash:       k.Hash,
		Source:     k.Source,
		CreatedAt:  UnixMillis(k.CreatedAt),
		UpdatedAt:  UnixMillis(k.UpdatedAt),
	})
}

// UnmarshalJSON decodes the wire form
func (k *KnowledgeItem) UnmarshalJSON(data []byte) error {
	var w knowledgeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*k = KnowledgeItem{
		ID:         w.ID,
		Kind:       w.Kind,
		Content:    w.Content,
		Tags:       w.Tags,
		Confidence: w.Confidence,
		Version:    w.Version,
		Hash:       w.Hash,
		Source:     w.Source,
		CreatedAt:  FromMillis(w.CreatedAt),
		UpdatedAt:  FromMillis(w.UpdatedAt),
	}
	return nil
}

// -----------------------------------------------------------------------------
// TIME - the wire uses milliseconds since epoch throughout
// -----------------------------------------------------------------------------

// UnixMillis converts t to wire time; the zero time maps to 0
func UnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts wire time back; 0 maps to the zero time
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
