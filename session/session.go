package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/weftlabs/weft/commons"
)

var (
	ErrNotConnected = errors.New("not connected to the replicated session")
	ErrDisconnected = errors.New("disconnected before acknowledgment")
	ErrNacked       = errors.New("operation rejected by the sequencer")
)

func assertTrue(b bool, v ...interface{}) {
	if !b {
		panic(fmt.Sprint(v...))
	}
}

// State is the connection state of a session.
type State int

const (
	// StateLocal means the replica is not attached to the replicated session;
	// edits apply in memory only and submission fails.
	StateLocal State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DeltaConnection is the outbound half of the transport: a fire-and-forget
// broadcast of a locally applied operation toward the sequencer.
type DeltaConnection interface {
	SubmitLocalMessage(msg commons.SubmitMessage) error
}

// Handler applies sequenced content to replica state. The session never
// touches document or register state itself; it only orders and correlates.
type Handler interface {
	// ApplyRemote applies an operation sequenced for another client.
	ApplyRemote(msg commons.SequencedMessage) error

	// ApplyAck consumes the sequenced echo of this client's oldest pending
	// operation. The local state already reflects the edit optimistically;
	// the handler only stamps sequence numbers.
	ApplyAck(msg commons.SequencedMessage) error

	// Resubmit regenerates equivalent operations for a nacked pending
	// operation against current local state. The session submits the
	// returned operations in order with fresh client sequence numbers.
	Resubmit(msg commons.SequencedMessage) []commons.Op
}

// record is one locally-submitted, unacknowledged operation. Records form a
// FIFO queue matching submission order; acknowledgments must arrive in the
// same order.
type record struct {
	clientSeq int
	outcome   *Outcome
}

// Session tracks the connection state machine and the pending-operation
// queue for one replica.
type Session struct {
	mu sync.Mutex

	state    State
	clientID string
	conn     DeltaConnection
	handler  Handler

	// refSeq is the highest global sequence number observed; stamped onto
	// every submission.
	refSeq int

	// clientSeq is the per-client submission counter.
	clientSeq int

	pending []*record
}

// New returns a session in the local (detached) state.
func New(conn DeltaConnection) *Session {
	return &Session{state: StateLocal, conn: conn}
}

// SetHandler installs the content handler. Must be set before Process is
// called.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the server-assigned client identifier, or "" while local.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// ReferenceSequenceNumber returns the highest observed sequence number.
func (s *Session) ReferenceSequenceNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refSeq
}

// PendingCount returns the number of unacknowledged submissions.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Connecting marks the session as attaching to the replicated session.
func (s *Session) Connecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnecting
}

// Connected completes the attach with the server-assigned client ID and the
// server's current sequence number.
func (s *Session) Connected(clientID string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.clientID = clientID
	if seq > s.refSeq {
		s.refSeq = seq
	}
}

// Disconnect drops the connection. Every queued record fails in FIFO order
// and the queue drains to empty; callers resubmit semantically if the edit is
// still relevant once reconnected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	for _, rec := range s.pending {
		rec.outcome.reject(fmt.Errorf("%w (client sequence number %d)", ErrDisconnected, rec.clientSeq))
	}
	s.pending = nil
}

// Submit broadcasts an already-locally-applied operation and returns an
// outcome resolved when the sequenced echo (or a nack/disconnect) arrives.
func (s *Session) Submit(contents commons.Op) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, s.state)
	}
	return s.submitLocked(contents)
}

func (s *Session) submitLocked(contents commons.Op) (*Outcome, error) {
	s.clientSeq++
	rec := &record{clientSeq: s.clientSeq, outcome: newOutcome()}
	msg := commons.SubmitMessage{
		Type:                    commons.OpMessage,
		ClientSequenceNumber:    rec.clientSeq,
		ReferenceSequenceNumber: s.refSeq,
		Contents:                contents,
	}
	if err := s.conn.SubmitLocalMessage(msg); err != nil {
		return nil, err
	}
	s.pending = append(s.pending, rec)
	return rec.outcome, nil
}

// Process consumes one message from the totally-ordered broadcast stream.
func (s *Session) Process(msg commons.SequencedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assertTrue(s.handler != nil, "session: no handler installed")

	switch msg.Type {
	case commons.NoopMessage:
		s.observe(msg.SequenceNumber)
		return nil

	case commons.OpMessage:
		s.observe(msg.SequenceNumber)
		if msg.ClientID != s.clientID {
			return s.handler.ApplyRemote(msg)
		}
		rec := s.pop(msg)
		if err := s.handler.ApplyAck(msg); err != nil {
			rec.outcome.reject(err)
			return err
		}
		rec.outcome.resolve(msg)
		return nil

	case commons.NackMessage:
		s.observe(msg.SequenceNumber)
		rec := s.pop(msg)
		ops := s.handler.Resubmit(msg)
		rec.outcome.reject(fmt.Errorf("%w (client sequence number %d)", ErrNacked, rec.clientSeq))
		for _, op := range ops {
			if _, err := s.submitLocked(op); err != nil {
				return err
			}
		}
		return nil
	}

	panic(fmt.Sprintf("session: unknown message type %q", msg.Type))
}

// pop removes and returns the queue head, asserting in-submission-order
// delivery. An out-of-order acknowledgment is a protocol violation that would
// silently corrupt convergence, so it fails fast.
func (s *Session) pop(msg commons.SequencedMessage) *record {
	assertTrue(len(s.pending) > 0, "session: acknowledgment with empty pending queue")
	rec := s.pending[0]
	s.pending = s.pending[1:]
	if msg.ClientSequenceNumber != commons.ResubmittedClientSequenceNumber {
		assertTrue(rec.clientSeq == msg.ClientSequenceNumber,
			"session: out-of-order acknowledgment: head ", rec.clientSeq,
			", message ", msg.ClientSequenceNumber)
	}
	return rec
}

func (s *Session) observe(seq int) {
	if seq > s.refSeq {
		s.refSeq = seq
	}
}
