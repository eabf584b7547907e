package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/core"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// BreakerConfig tunes the circuit breaker in front of message writes
type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open-state duration before probing
	MinRequests      uint32        // requests before the failure ratio counts
	FailureThreshold float64
}

// DefaultBreakerConfig returns the default breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		MinRequests:      5,
		FailureThreshold: 0.6,
	}
}

// MessageStore archives routed messages. Writes go through a circuit
// breaker so a failing disk is skipped quickly instead of slowing routing.
type MessageStore struct {
	db      *DB
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewMessageStore creates a new message store
func NewMessageStore(db *DB, cfg BreakerConfig) *MessageStore {
	s := &MessageStore{db: db, logger: db.logger.Named("messages")}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message-archive",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the disk
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s
}

// BreakerState reports the breaker state (closed, half-open, open)
func (s *MessageStore) BreakerState() string {
	return s.breaker.State().String()
}

// Save archives a stamped message. Saving the same routing id twice is a no-op.
func (s *MessageStore) Save(ctx context.Context, msg core.Message) error {
	if !msg.Stamped() {
		return fmt.Errorf("save message: missing routing id")
	}
	env, err := msg.Envelope()
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	targets, err := json.Marshal(nonNil(env.Targets))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.db.Transaction(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO messages (
				    routing_id, protocol, action, source, targets, payload, sent_at, received_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				env.RoutingID, string(env.Protocol), env.Action, env.Source,
				string(targets), string(env.Payload), env.Timestamp, env.ReceivedAt,
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}

			for _, participant := range targetParticipants(env.Targets) {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO message_targets (routing_id, participant) VALUES (?, ?)`,
					env.RoutingID, participant,
				); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.RoutingID, err)
	}
	return nil
}

// targetParticipants maps targets to the participant ids they can reach.
// "broadcast" is kept as is; scoped broadcasts and districts collapse to
// their participant.
func targetParticipants(targets []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, target := range targets {
		participant := target
		if target != core.Broadcast {
			participant = strings.TrimPrefix(target, core.Broadcast+":")
			participant, _, _ = strings.Cut(participant, "/")
		}
		if participant == "" || seen[participant] {
			continue
		}
		seen[participant] = true
		out = append(out, participant)
	}
	return out
}

// Recent returns the newest messages first
func (s *MessageStore) Recent(ctx context.Context, limit int) ([]core.Envelope, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT routing_id, protocol, action, source, targets, payload, sent_at, received_at
		FROM messages
		ORDER BY received_at DESC, routing_id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// ByParticipant returns messages sent by, addressed to, or broadcast to a
// participant, newest first
func (s *MessageStore) ByParticipant(ctx context.Context, participant string, limit int) ([]core.Envelope, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT routing_id, protocol, action, source, targets, payload, sent_at, received_at
		FROM messages
		WHERE source = ?
		   OR substr(source, 1, length(?) + 1) = ? || '/'
		   OR routing_id IN (
		       SELECT routing_id FROM message_targets WHERE participant IN (?, 'broadcast')
		   )
		ORDER BY received_at DESC, routing_id DESC
		LIMIT ?
	`, participant, participant, participant, participant, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Purge deletes messages received before cutoff
func (s *MessageStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE received_at < ?`, core.UnixMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged messages", zap.Int64("count", n), zap.Time("before", before))
	}
	return n, nil
}

// Count returns the number of archived messages
func (s *MessageStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func scanEnvelopes(rows *sql.Rows) ([]core.Envelope, error) {
	envs := []core.Envelope{}
	for rows.Next() {
		var env core.Envelope
		var protocol, targets, payload string
		if err := rows.Scan(
			&env.RoutingID, &protocol, &env.Action, &env.Source,
			&targets, &payload, &env.Timestamp, &env.ReceivedAt,
		); err != nil {
			return nil, err
		}
		env.Type = core.FrameMessage
		env.Protocol = core.Protocol(protocol)
		env.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(targets), &env.Targets); err != nil {
			return nil, fmt.Errorf("decode targets of %s: %w", env.RoutingID, err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
