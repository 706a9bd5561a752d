// Package gate admits at most one edit request at a time. Callers that find
// the gate busy are rejected immediately; nothing waits or queues.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAdmissionRejected = errors.New("admission rejected")

// BusyError names the requester currently holding the gate.
type BusyError struct {
	Holder  string
	Since   time.Time
	Elapsed time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("a request from %s is already in progress (%s elapsed)", e.Holder, e.Elapsed.Round(time.Second))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// Token is the in-flight marker held by the admitted request.
type Token struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	StartedAt   time.Time `json:"started_at"`
	Prompt      string    `json:"prompt"`
}

type Gate struct {
	mu      sync.Mutex
	current *Token
	now     func() time.Time
}

func New() *Gate {
	return &Gate{now: time.Now}
}

// TryAdmit returns a token when the gate is free, or a *BusyError otherwise.
func (g *Gate) TryAdmit(requesterID, prompt string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.current != nil {
		return nil, &BusyError{
			Holder:  g.current.RequesterID,
			Since:   g.current.StartedAt,
			Elapsed: now.Sub(g.current.StartedAt),
		}
	}
	g.current = &Token{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		StartedAt:   now,
		Prompt:      prompt,
	}
	return g.current, nil
}

// Release frees the gate if token is the current holder. Releasing a stale or
// already released token does nothing.
func (g *Gate) Release(token *Token) {
	if token == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && g.current.ID == token.ID {
		g.current = nil
	}
}

// Current returns a copy of the in-flight token, if any.
func (g *Gate) Current() (Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Token{}, false
	}
	return *g.current, true
}
