// Package protocol validates inbound messages, applies the per-protocol
// rules and hands them to the hub for routing.
//
// A message moves received -> validated -> transformed -> routed. A message
// that fails any step is rejected back to its sender and reaches nobody.
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/mesh"
	"github.com/cognitivecities/neuralhub/internal/metrics"
)

// Router delivers a validated message
type Router interface {
	Route(ctx context.Context, msg core.Message) (mesh.RouteResult, error)
}

// Knowledge settles knowledge-sync submissions
type Knowledge interface {
	Submit(ctx context.Context, item core.KnowledgeItem) (knowledge.Resolution, error)
}

// Config for the dispatcher
type Config struct {
	Router    Router
	Knowledge Knowledge
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// Dispatcher implements mesh.Handler
type Dispatcher struct {
	router    Router
	knowledge Knowledge
	validate  *validator.Validate
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

var _ mesh.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		router:    cfg.Router,
		knowledge: cfg.Knowledge,
		validate:  newValidator(),
		logger:    logging.OrNop(cfg.Logger).Named("protocol"),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// HandleMessage runs one inbound frame from a connection through the pipeline
func (d *Dispatcher) HandleMessage(ctx context.Context, from *mesh.Conn, data []byte) (mesh.RouteResult, error) {
	if !from.Registered() {
		return mesh.RouteResult{}, d.rejected("", from, core.ErrNotRegistered)
	}

	msg, err := d.decode(data)
	if err != nil {
		return mesh.RouteResult{}, d.rejected(protocolOf(data), from, err)
	}
	if msg.Source != from.ParticipantID() && msg.Source != from.Address() {
		err := core.Errorf(core.ErrMalformedMessage, "source %q does not match registered participant %q", msg.Source, from.Address())
		return mesh.RouteResult{}, d.rejected(msg.Protocol, from, err)
	}

	result, err := d.Dispatch(ctx, msg)
	if err != nil {
		return result, d.rejected(msg.Protocol, from, err)
	}
	return result, nil
}

// Validate checks a raw envelope without side effects: nothing is stored,
// routed or counted.
func (d *Dispatcher) Validate(data []byte) (core.Message, error) {
	return d.decode(data)
}

// Dispatch stamps, transforms and routes an already decoded message
func (d *Dispatcher) Dispatch(ctx context.Context, msg core.Message) (mesh.RouteResult, error) {
	msg = msg.Stamp(uuid.NewString(), d.now())

	msg, err := d.transform(ctx, msg)
	if err != nil {
		return mesh.RouteResult{RoutingID: msg.RoutingID}, err
	}
	return d.router.Route(ctx, msg)
}

func (d *Dispatcher) transform(ctx context.Context, msg core.Message) (core.Message, error) {
	switch p := msg.Payload.(type) {
	case core.ThoughtPayload:
		return msg, nil

	case core.KnowledgeSyncPayload:
		if msg.Action != core.ActionSync {
			return msg, nil
		}
		if p.Item == nil {
			return msg, core.Errorf(core.ErrMalformedMessage, "sync requires a knowledge item")
		}
		if d.knowledge == nil {
			return msg, fmt.Errorf("knowledge store unavailable")
		}

		// Provenance is the authenticated sender, never the payload's claim
		item := p.Item.Clone()
		item.Source = msg.Source
		res, err := d.knowledge.Submit(ctx, item)
		if err != nil {
			return msg, err
		}
		msg.Payload = core.KnowledgeSyncPayload{Item: &res.Item}

		d.logger.Debug("knowledge synced",
			zap.String("routing_id", msg.RoutingID),
			zap.String("id", res.Item.ID),
			zap.String("outcome", res.Outcome()),
			zap.Uint64("version", res.Item.Version),
		)
		return msg, nil

	case core.CollaborationPayload:
		if msg.Action == core.ActionPropose && len(msg.Targets) == 0 {
			return msg, core.Errorf(core.ErrMalformedMessage, "propose requires at least one target")
		}
		return msg, nil

	case core.ModelPayload, core.EmergencyPayload:
		return msg, nil

	default:
		return msg, core.Errorf(core.ErrUnsupportedProtocol, "%q", string(msg.Protocol))
	}
}

func (d *Dispatcher) rejected(protocol core.Protocol, from *mesh.Conn, err error) error {
	code := core.Code(err)
	// Label values must stay a closed set whatever the client sends
	label := "unknown"
	if protocol.Valid() {
		label = string(protocol)
	}
	d.metrics.MessageRejected(label, code)
	d.logger.Info("message rejected",
		zap.String("connection_id", from.ID()),
		zap.String("participant", from.ParticipantID()),
		zap.String("protocol", string(protocol)),
		zap.String("code", code),
		zap.Error(err),
	)
	return err
}
