package mesh

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// Conn is one participant session. It starts unregistered and becomes
// registered after a valid registration frame. Outbound frames go through a
// bounded queue drained by the transport's writer.
type Conn struct {
	id          string
	connectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	sent      atomic.Uint64

	mu            sync.RWMutex
	participantID string
	districtID    string
	capabilities  []string
	registeredAt  time.Time
	lastHeartbeat time.Time
}

// NewConn creates an unregistered connection with an outbound queue of
// queueSize frames. onClose, if set, releases the underlying transport.
func NewConn(queueSize int, onClose func()) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Conn{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		onClose:     onClose,
	}
}

// ID returns the connection identifier, unique for the process lifetime
func (c *Conn) ID() string {
	return c.id
}

// ParticipantID returns the registered participant, or "" before registration
func (c *Conn) ParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

// DistrictID returns the optional district
func (c *Conn) DistrictID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.districtID
}

// Address is "participant" or "participant/district"
func (c *Conn) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.districtID == "" {
		return c.participantID
	}
	return c.participantID + "/" + c.districtID
}

// Registered reports whether registration completed
func (c *Conn) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID != ""
}

// HasCapability reports whether the participant declared cap
func (c *Conn) HasCapability(cap string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, have := range c.capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Outbound is the queue a transport writer drains
func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is cleaned up
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether cleanup already ran
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Sent returns the number of frames enqueued for this connection
func (c *Conn) Sent() uint64 {
	return c.sent.Load()
}

// matches reports whether address names this connection. A bare participant
// id matches all of its districts; "participant/district" matches one.
func (c *Conn) matches(address string) bool {
	participant, district, scoped := strings.Cut(address, "/")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.participantID == "" || participant != c.participantID {
		return false
	}
	return !scoped || district == c.districtID
}

// enqueue never blocks: a full queue is backpressure, a closed connection
// refuses everything.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return core.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		c.sent.Add(1)
		return nil
	case <-c.done:
		return core.ErrConnectionClosed
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) register(participantID, districtID string, capabilities []string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.participantID != "" {
		return core.Errorf(core.ErrDuplicateRegistration, "already registered as %q", c.participantID)
	}
	c.participantID = participantID
	c.districtID = districtID
	c.capabilities = append([]string(nil), capabilities...)
	c.registeredAt = now
	c.lastHeartbeat = now
	return nil
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

func (c *Conn) staleSince(cutoff time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID != "" && c.lastHeartbeat.Before(cutoff)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// ConnInfo is a point-in-time view of a connection
type ConnInfo struct {
	ConnectionID  string    `json:"connection_id"`
	ParticipantID string    `json:"participant_id"`
	DistrictID    string    `json:"district_id,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	ConnectedAt   time.Time `json:"connected_at"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Sent          uint64    `json:"sent"`
}

// Info returns a snapshot
func (c *Conn) Info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnInfo{
		ConnectionID:  c.id,
		ParticipantID: c.participantID,
		DistrictID:    c.districtID,
		Capabilities:  append([]string(nil), c.capabilities...),
		ConnectedAt:   c.connectedAt,
		RegisteredAt:  c.registeredAt,
		LastHeartbeat: c.lastHeartbeat,
		Sent:          c.sent.Load(),
	}
}
