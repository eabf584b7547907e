package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
)

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode parses and checks an envelope without touching any state: JSON
// shape, required fields, known protocol, payload variant and the static
// per-protocol rules.
func (d *Dispatcher) decode(data []byte) (core.Message, error) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.Message{}, core.Errorf(core.ErrMalformedMessage, "invalid JSON: %v", err)
	}
	if env.Type != "" && env.Type != core.FrameMessage {
		return core.Message{}, core.Errorf(core.ErrMalformedMessage, "frame type %q is not a message", env.Type)
	}

	if err := d.validate.Struct(env); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			missing := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				missing = append(missing, fe.Field())
			}
			return core.Message{}, core.Errorf(core.ErrMalformedMessage, "missing %s", strings.Join(missing, ", "))
		}
		return core.Message{}, core.Errorf(core.ErrMalformedMessage, "%v", err)
	}

	if !env.Protocol.Valid() {
		return core.Message{}, core.Errorf(core.ErrUnsupportedProtocol, "%q", string(env.Protocol))
	}
	for _, target := range env.Targets {
		if strings.TrimSpace(target) == "" {
			return core.Message{}, core.Errorf(core.ErrMalformedMessage, "empty target")
		}
	}

	msg, err := core.MessageFromEnvelope(env)
	if err != nil {
		return core.Message{}, err
	}

	switch p := msg.Payload.(type) {
	case core.KnowledgeSyncPayload:
		if p.Item != nil {
			if err := knowledge.ValidateItem(*p.Item); err != nil {
				return core.Message{}, err
			}
		}
	case core.CollaborationPayload:
		if msg.Action == core.ActionPropose && len(msg.Targets) == 0 {
			return core.Message{}, core.Errorf(core.ErrMalformedMessage, "propose requires at least one target")
		}
	}
	return msg, nil
}

// protocolOf best-effort extracts the declared protocol for labelling rejections
func protocolOf(data []byte) core.Protocol {
	var head struct {
		Protocol core.Protocol `json:"protocol"`
	}
	_ = json.Unmarshal(data, &head)
	return head.Protocol
}
