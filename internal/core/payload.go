package core

import (
	"bytes"
	"encoding/json"
)

// Payload is the protocol-specific body of a message. The set of
// implementations is closed: one variant per Protocol.
type Payload interface {
	json.Marshaler
	Protocol() Protocol
	payload()
}

// ThoughtPayload carries a thought-exchange body
type ThoughtPayload struct {
	Body json.RawMessage
}

// KnowledgeSyncPayload carries a knowledge item for the sync action, or an
// opaque body for any other knowledge-sync action.
type KnowledgeSyncPayload struct {
	Item *KnowledgeItem
	Body json.RawMessage
}

// CollaborationPayload carries an agent-collaboration body
type CollaborationPayload struct {
	Body json.RawMessage
}

// ModelPayload carries a model-communication body
type ModelPayload struct {
	Body json.RawMessage
}

// EmergencyPayload carries an emergency-coordination body
type EmergencyPayload struct {
	Body json.RawMessage
}

func (ThoughtPayload) Protocol() Protocol       { return ProtocolThoughtExchange }
func (KnowledgeSyncPayload) Protocol() Protocol { return ProtocolKnowledgeSync }
func (CollaborationPayload) Protocol() Protocol { return ProtocolAgentCollaboration }
func (ModelPayload) Protocol() Protocol         { return ProtocolModelCommunication }
func (EmergencyPayload) Protocol() Protocol     { return ProtocolEmergencyCoordination }

func (ThoughtPayload) payload()       {}
func (KnowledgeSyncPayload) payload() {}
func (CollaborationPayload) payload() {}
func (ModelPayload) payload()         {}
func (EmergencyPayload) payload()     {}

func (p ThoughtPayload) MarshalJSON() ([]byte, error)       { return rawOrNull(p.Body), nil }
func (p CollaborationPayload) MarshalJSON() ([]byte, error) { return rawOrNull(p.Body), nil }
func (p ModelPayload) MarshalJSON() ([]byte, error)         { return rawOrNull(p.Body), nil }
func (p EmergencyPayload) MarshalJSON() ([]byte, error)     { return rawOrNull(p.Body), nil }

func (p KnowledgeSyncPayload) MarshalJSON() ([]byte, error) {
	if p.Item != nil {
		return json.Marshal(p.Item)
	}
	return rawOrNull(p.Body), nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// IsNull reports whether raw is absent or the JSON literal null
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodePayload turns a raw body into the variant for protocol.
func DecodePayload(protocol Protocol, action string, raw json.RawMessage) (Payload, error) {
	if IsNull(raw) {
		return nil, Errorf(ErrMalformedMessage, "payload is required")
	}
	body := append(json.RawMessage(nil), raw...)

	switch protocol {
	case ProtocolThoughtExchange:
		return ThoughtPayload{Body: body}, nil
	case ProtocolKnowledgeSync:
		if action != ActionSync {
			return KnowledgeSyncPayload{Body: body}, nil
		}
		var item KnowledgeItem
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, Errorf(ErrMalformedMessage, "knowledge item: %v", err)
		}
		return KnowledgeSyncPayload{Item: &item}, nil
	case ProtocolAgentCollaboration:
		return CollaborationPayload{Body: body}, nil
	case ProtocolModelCommunication:
		return ModelPayload{Body: body}, nil
	case ProtocolEmergencyCoordination:
		return EmergencyPayload{Body: body}, nil
	default:
		return nil, Errorf(ErrUnsupportedProtocol, "%q", string(protocol))
	}
}

// MessageFromEnvelope decodes the payload variant and converts wire times.
// It does not validate routing rules; that is the dispatcher's job.
func MessageFromEnvelope(env Envelope) (Message, error) {
	payload, err := DecodePayload(env.Protocol, env.Action, env.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		RoutingID:  env.RoutingID,
		Protocol:   env.Protocol,
		Action:     env.Action,
		Source:     env.Source,
		Targets:    append([]string(nil), env.Targets...),
		Payload:    payload,
		Timestamp:  FromMillis(env.Timestamp),
		ReceivedAt: FromMillis(env.ReceivedAt),
	}, nil
}
