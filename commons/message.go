package commons

import "github.com/google/uuid"

// MessageType represents the type of a message on the wire.
type MessageType string

// weft uses a small set of message types:
// - join (server -> client: assigned client ID and current sequence number)
// - op (a document or register operation, sequenced once echoed by the server)
// - nack (server -> originating client: operation rejected, resubmit)
// - noop (server -> clients: sequence number advance with no content)
const (
	JoinMessage MessageType = "join"
	OpMessage   MessageType = "op"
	NackMessage MessageType = "nack"
	NoopMessage MessageType = "noop"
)

// UnassignedSequenceNumber marks content that has been applied locally but not
// yet sequenced by the server.
const UnassignedSequenceNumber = -1

// ResubmittedClientSequenceNumber marks an operation that was regenerated after
// a nack; the pending queue skips the head-of-queue match for it.
const ResubmittedClientSequenceNumber = -1

// SubmitMessage is what a client sends to the sequencer.
type SubmitMessage struct {
	Type MessageType `json:"type"`

	// ClientSequenceNumber is the client-local counter used to correlate the
	// eventual sequenced echo with the pending operation.
	ClientSequenceNumber int `json:"clientSequenceNumber"`

	// ReferenceSequenceNumber is the highest global sequence number the client
	// had observed when it submitted this operation.
	ReferenceSequenceNumber int `json:"referenceSequenceNumber"`

	// Contents is the operation payload.
	Contents Op `json:"contents"`
}

// SequencedMessage is what the sequencer delivers to every client, in one
// global total order.
type SequencedMessage struct {
	Type MessageType `json:"type"`

	// SequenceNumber is the globally increasing number assigned by the server.
	SequenceNumber int `json:"sequenceNumber"`

	// ClientID identifies the client that submitted the operation.
	ClientID string `json:"clientId"`

	ClientSequenceNumber    int `json:"clientSequenceNumber"`
	ReferenceSequenceNumber int `json:"referenceSequenceNumber"`

	// Contents is the operation payload. Empty for noop messages.
	Contents Op `json:"contents"`
}

// JoinDetails is carried by a join message when a client attaches.
type JoinDetails struct {
	Type MessageType `json:"type"`

	// ClientID is the UUID assigned to the joining client.
	ClientID string `json:"clientId"`

	// SequenceNumber is the server's current sequence number; the client
	// starts referencing from here.
	SequenceNumber int `json:"sequenceNumber"`
}

// NewClientID generates a fresh client identifier.
func NewClientID() string {
	return uuid.NewString()
}
