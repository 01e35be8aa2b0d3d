package session

import (
	"sync"

	"github.com/weftlabs/weft/commons"
)

// Outcome is the pending result of a submitted operation. It resolves exactly
// once: with the sequenced echo on acknowledgment, or with an error on nack or
// disconnect.
type Outcome struct {
	done chan struct{}
	once sync.Once

	err error
	msg commons.SequencedMessage
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Done is closed when the outcome resolves.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the outcome resolves and returns its error, if any.
func (o *Outcome) Wait() error {
	<-o.done
	return o.err
}

// Err returns the resolution error. Only meaningful after Done is closed.
func (o *Outcome) Err() error {
	return o.err
}

// Message returns the sequenced echo. Only meaningful after a successful
// resolution.
func (o *Outcome) Message() commons.SequencedMessage {
	return o.msg
}

func (o *Outcome) resolve(msg commons.SequencedMessage) {
	o.once.Do(func() {
		o.msg = msg
		close(o.done)
	})
}

func (o *Outcome) reject(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}
