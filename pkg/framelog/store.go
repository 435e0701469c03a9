// Package framelog persists the raw websocket frames of a chat session so a
// transcript can be rebuilt offline with the same reconciler that built it live.
package framelog

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"

	defaultListLimit = 10000
)

// Record is one frame as it crossed the connection. Seq orders frames within
// a session and is assigned by the store.
type Record struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Seq       int64  `json:"seq" yaml:"seq"`
	Direction string `json:"direction" yaml:"direction"`
	Payload   string `json:"payload" yaml:"payload"`
	AtMs      int64  `json:"at_ms" yaml:"at_ms"`
}

// Query selects frames of one session in Seq order.
type Query struct {
	SessionID string
	Direction string
	AfterSeq  int64
	Limit     int
}

// SessionSummary describes a recorded session.
type SessionSummary struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Frames    int    `json:"frames" yaml:"frames"`
	FirstAtMs int64  `json:"first_at_ms" yaml:"first_at_ms"`
	LastAtMs  int64  `json:"last_at_ms" yaml:"last_at_ms"`
}

// Store persists frames.
type Store interface {
	Append(ctx context.Context, r Record) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Sessions(ctx context.Context) ([]SessionSummary, error)
	Close() error
}

func normalizeRecord(r Record) (Record, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return r, errors.New("session id is empty")
	}
	switch r.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return r, errors.Errorf("invalid direction %q", r.Direction)
	}
	return r, nil
}

func normalizeQuery(q Query) (Query, error) {
	q.SessionID = strings.TrimSpace(q.SessionID)
	if q.SessionID == "" {
		return q, errors.New("session id is required")
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	return q, nil
}
