package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// KnowledgeBuilder builds knowledge items with a fluent interface.
type KnowledgeBuilder struct {
	item core.KnowledgeItem
}

// NewKnowledge starts a builder with a valid item
func NewKnowledge(id string) *KnowledgeBuilder {
	return &KnowledgeBuilder{item: core.KnowledgeItem{
		ID:         id,
		Kind:       "insight",
		Content:    "content of " + id,
		Confidence: 0.5,
	}}
}

// WithContent sets the content.
func (b *KnowledgeBuilder) WithContent(content string) *KnowledgeBuilder {
	b.item.Content = content
	return b
}

// WithConfidence sets the confidence.
func (b *KnowledgeBuilder) WithConfidence(confidence float64) *KnowledgeBuilder {
	b.item.Confidence = confidence
	return b
}

// WithTags sets the tags.
func (b *KnowledgeBuilder) WithTags(tags ...string) *KnowledgeBuilder {
	b.item.Tags = tags
	return b
}

// UpdatedAt sets both timestamps.
func (b *KnowledgeBuilder) UpdatedAt(t time.Time) *KnowledgeBuilder {
	b.item.CreatedAt = t
	b.item.UpdatedAt = t
	return b
}

// WithSource sets the producing participant.
func (b *KnowledgeBuilder) WithSource(source string) *KnowledgeBuilder {
	b.item.Source = source
	return b
}

// Build returns the built item.
func (b *KnowledgeBuilder) Build() core.KnowledgeItem {
	return b.item.Clone()
}

// Envelope builds a wire message frame
func Envelope(protocol core.Protocol, action, source string, targets []string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(core.Envelope{
		Type:      core.FrameMessage,
		Protocol:  protocol,
		Action:    action,
		Source:    source,
		Targets:   targets,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		panic(err)
	}
	return data
}

// Thought builds a thought-exchange message
func Thought(source string, targets []string, body any) core.Message {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return core.Message{
		Protocol:  core.ProtocolThoughtExchange,
		Action:    "share",
		Source:    source,
		Targets:   targets,
		Payload:   core.ThoughtPayload{Body: raw},
		Timestamp: time.Now(),
	}
}
