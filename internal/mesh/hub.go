// Package mesh implements the transport hub: the registry of participant
// connections and the fan-out of routed messages to them.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/logging"
	"github.com/cognitivecities/neuralhub/internal/metrics"
)

// Archive persists routed messages. Failures are logged, never propagated.
type Archive interface {
	Save(ctx context.Context, msg core.Message) error
}

// Handler validates and routes a message frame received from a connection.
type Handler interface {
	HandleMessage(ctx context.Context, from *Conn, data []byte) (RouteResult, error)
}

// RouteResult summarizes one fan-out
type RouteResult struct {
	RoutingID string `json:"routing_id"`
	Matched   int    `json:"matched"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// HubConfig for creating a hub
type HubConfig struct {
	HeartbeatTimeout    time.Duration // registered connections silent this long are reaped
	RegistrationTimeout time.Duration // first frame deadline on new transports
	QueueSize           int           // outbound frames buffered per connection
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	MaxFrameBytes       int64

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Archive Archive
	Now     func() time.Time
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatTimeout:    60 * time.Second,
		RegistrationTimeout: 30 * time.Second,
		QueueSize:           256,
		WriteTimeout:        10 * time.Second,
		PingInterval:        30 * time.Second,
		MaxFrameBytes:       1 << 20,
	}
}

// Hub owns the connection registry and routes messages between connections
type Hub struct {
	cfg     HubConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	archive Archive
	now     func() time.Time

	upgrader websocket.Upgrader
	handler  Handler

	// Registry
	conns        map[string]*Conn            // by connection id
	participants map[string]map[string]*Conn // participant id -> connection id -> conn

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex
}

// NewHub creates a hub. Zero values in cfg fall back to the defaults.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = def.RegistrationTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger).Named("hub"),
		metrics: cfg.Metrics,
		archive: cfg.Archive,
		now:     cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // participants authenticate upstream
			},
		},
		conns:        make(map[string]*Conn),
		participants: make(map[string]map[string]*Conn),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Handle sets the message handler (the protocol dispatcher)
func (h *Hub) Handle(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Config returns the effective configuration
func (h *Hub) Config() HubConfig {
	return h.cfg
}

// Attach adds a freshly connected, unregistered connection
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Debug("connection attached", zap.String("connection_id", c.id))
}

// Register binds a connection to a participant identity.
func (h *Hub) Register(c *Conn, participantID, districtID string, capabilities []string) error {
	if err := validateIdentifier("participant id", participantID, true); err != nil {
		return err
	}
	if err := validateIdentifier("district id", districtID, false); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return core.ErrConnectionClosed
	}
	if err := c.register(participantID, districtID, capabilities, h.now()); err != nil {
		return err
	}

	byConn, ok := h.participants[participantID]
	if !ok {
		byConn = make(map[string]*Conn)
		h.participants[participantID] = byConn
	}
	byConn[c.id] = c

	h.metrics.Registered()
	h.logger.Info("participant registered",
		zap.String("connection_id", c.id),
		zap.String("participant", participantID),
		zap.String("district", districtID),
		zap.Strings("capabilities", capabilities),
	)
	return nil
}

func validateIdentifier(what, id string, required bool) error {
	if id == "" {
		if required {
			return core.Errorf(core.ErrInvalidIdentifier, "%s is empty", what)
		}
		return nil
	}
	if id == core.Broadcast || strings.HasPrefix(id, core.Broadcast+":") {
		return core.Errorf(core.ErrInvalidIdentifier, "%s %q is reserved", what, id)
	}
	for _, r := range id {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return core.Errorf(core.ErrInvalidIdentifier, "%s %q contains %q", what, id, r)
		}
	}
	return nil
}

// Heartbeat records liveness. Unknown (already reaped) connections are
// logged and ignored; the return value reports whether c was known.
func (h *Hub) Heartbeat(c *Conn) bool {
	// Touch under the read lock so a concurrent reap sees either the fresh
	// heartbeat or no connection at all
	h.mu.RLock()
	_, ok := h.conns[c.id]
	if ok {
		c.touch(h.now())
	}
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug("heartbeat from unknown connection", zap.String("connection_id", c.id))
	}
	return ok
}

// Cleanup deregisters and closes c. Safe to call more than once.
func (h *Hub) Cleanup(c *Conn) {
	if h.remove(c, false) {
		h.logger.Info("connection closed",
			zap.String("connection_id", c.id),
			zap.String("participant", c.ParticipantID()),
		)
	}
}

func (h *Hub) remove(c *Conn, reaped bool) bool {
	return h.removeIf(c, reaped, nil)
}

// reap removes c only if it is still stale at cutoff once the write lock is
// held. A heartbeat that landed after Sweep's scan keeps the connection.
func (h *Hub) reap(c *Conn, cutoff time.Time) bool {
	return h.removeIf(c, true, func() bool { return c.staleSince(cutoff) })
}

func (h *Hub) removeIf(c *Conn, reaped bool, cond func() bool) bool {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	if ok && cond != nil && !cond() {
		h.mu.Unlock()
		return false
	}
	if ok {
		delete(h.conns, c.id)
		if pid := c.ParticipantID(); pid != "" {
			if byConn := h.participants[pid]; byConn != nil {
				delete(byConn, c.id)
				if len(byConn) == 0 {
					delete(h.participants, pid)
				}
			}
		}
	}
	h.mu.Unlock()

	c.close()
	if ok {
		h.metrics.ConnectionClosed(reaped)
	}
	return ok
}

// Sweep evicts registered connections whose last heartbeat is older than
// the heartbeat timeout. It returns how many were reaped.
func (h *Hub) Sweep(now time.Time) int {
	cutoff := now.Add(-h.cfg.HeartbeatTimeout)

	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.conns {
		if c.staleSince(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	reaped := 0
	for _, c := range stale {
		if h.reap(c, cutoff) {
			reaped++
			h.logger.Info("connection reaped",
				zap.String("connection_id", c.id),
				zap.String("participant", c.ParticipantID()),
				zap.Time("last_heartbeat", c.Info().LastHeartbeat),
			)
		}
	}
	return reaped
}

// Route fans msg out to every matching registered connection. Delivery to
// each target is independent; failures are logged and counted, never
// returned. The message is archived whether or not anyone received it.
func (h *Hub) Route(ctx context.Context, msg core.Message) (RouteResult, error) {
	if !msg.Stamped() {
		msg = msg.Stamp(uuid.NewString(), h.now())
	}

	env, err := msg.Envelope()
	if err != nil {
		return RouteResult{}, fmt.Errorf("encode message: %w", err)
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return RouteResult{}, fmt.Errorf("encode message: %w", err)
	}

	targets := h.resolve(msg)
	result := RouteResult{RoutingID: msg.RoutingID, Matched: len(targets)}

	for _, c := range targets {
		if err := c.enqueue(frame); err != nil {
			result.Failed++
			h.deliveryFailed(&core.DeliveryError{
				ConnectionID:  c.id,
				ParticipantID: c.ParticipantID(),
				RoutingID:     msg.RoutingID,
				Err:           err,
			})
			continue
		}
		result.Delivered++
	}

	h.metrics.MessageRouted(string(msg.Protocol), result.Delivered)

	if h.archive != nil {
		if err := h.archive.Save(ctx, msg); err != nil {
			h.metrics.ArchiveFailed()
			h.logger.Warn("message not archived",
				zap.String("routing_id", msg.RoutingID),
				zap.Error(err),
			)
		}
	}

	h.logger.Debug("message routed",
		zap.String("routing_id", msg.RoutingID),
		zap.String("protocol", string(msg.Protocol)),
		zap.String("action", msg.Action),
		zap.String("source", msg.Source),
		zap.Int("matched", result.Matched),
		zap.Int("delivered", result.Delivered),
	)
	return result, nil
}

func (h *Hub) deliveryFailed(err *core.DeliveryError) {
	reason := "error"
	switch {
	case errors.Is(err, core.ErrBackpressure):
		reason = "backpressure"
	case errors.Is(err, core.ErrConnectionClosed):
		reason = "closed"
	}
	h.metrics.DeliveryFailed(reason)
	h.logger.Warn("delivery failed", zap.String("reason", reason), zap.Error(err))
}

// resolve returns the distinct registered connections addressed by msg.
// Connections matching the source address never receive their own message.
func (h *Hub) resolve(msg core.Message) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Conn
	add := func(c *Conn) {
		if seen[c.id] || c.matches(msg.Source) {
			return
		}
		seen[c.id] = true
		out = append(out, c)
	}

	for _, target := range msg.Targets {
		switch {
		case target == core.Broadcast:
			for _, byConn := range h.participants {
				for _, c := range byConn {
					add(c)
				}
			}
		case strings.HasPrefix(target, core.Broadcast+":"):
			for _, c := range h.participants[strings.TrimPrefix(target, core.Broadcast+":")] {
				add(c)
			}
		default:
			participant, _, _ := strings.Cut(target, "/")
			for _, c := range h.participants[participant] {
				if c.matches(target) {
					add(c)
				}
			}
		}
	}
	return out
}

// Lookup returns a live connection by id
func (h *Hub) Lookup(connectionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connectionID]
	return c, ok
}

// Online reports whether address matches at least one registered connection
func (h *Hub) Online(address string) bool {
	participant, _, _ := strings.Cut(address, "/")

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.participants[participant] {
		if c.matches(address) {
			return true
		}
	}
	return false
}

// Participants returns a snapshot of every registered connection
func (h *Hub) Participants() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(h.conns))
	for _, byConn := range h.participants {
		for _, c := range byConn {
			infos = append(infos, c.Info())
		}
	}
	return infos
}

// Stats counts live and registered connections
func (h *Hub) Stats() (connections, registered int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, byConn := range h.participants {
		registered += len(byConn)
	}
	return len(h.conns), registered
}

// Shutdown closes every connection and waits for their goroutines
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.remove(c, false)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
