package register

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/weftlabs/weft/commons"
	"github.com/weftlabs/weft/session"
)

var (
	ErrNotFound    = errors.New("shared object not found")
	ErrNotAttached = errors.New("shared object must be attached before writing")
)

// ReadPolicy selects which value a read returns.
type ReadPolicy int

const (
	// Atomic returns the current winning value.
	Atomic ReadPolicy = iota

	// Versions returns the most recent entry of the full race history; the
	// complete list is available through ReadVersions.
	Versions
)

// SharedObject is a nested replicated object. It travels by reference: writes
// and snapshots carry only its identifier, which receivers resolve back to a
// live handle.
type SharedObject interface {
	ID() string
}

// Observer receives change notifications. Atomic-slot changes and version
// appends are reported distinctly; consumers may care about either
// independently.
type Observer interface {
	AtomicChanged(key string, value interface{}, seq int)
	VersionChanged(key string, value interface{}, seq int)
}

// versionedValue is a value together with the sequence number at which it was
// sequenced.
type versionedValue struct {
	seq   int
	value interface{}
}

// entry is one register: the atomic slot (single current winner) plus the
// version history of values raced at overlapping reference windows.
type entry struct {
	atomic    versionedValue
	hasAtomic bool

	// versions holds strictly increasing sequence numbers; writes evict the
	// prefix their reference sequence number proves stale.
	versions []versionedValue
}

// Collection is a replicated key-to-register map sharing the merge tree's
// acknowledgment contract over atomic values. Writes take effect only once
// sequenced; reads are always synchronous against sequenced state.
type Collection struct {
	sess      *session.Session
	data      map[string]*entry
	shared    map[string]SharedObject
	observers []Observer
}

// New returns an empty collection submitting through the given session.
func New(sess *session.Session) *Collection {
	return &Collection{
		sess:   sess,
		data:   make(map[string]*entry),
		shared: make(map[string]SharedObject),
	}
}

// Attach registers a shared object so writes and snapshot loads can resolve
// its identifier to the live handle.
func (c *Collection) Attach(obj SharedObject) {
	c.shared[obj.ID()] = obj
}

// Observe subscribes an observer to change notifications.
func (c *Collection) Observe(o Observer) {
	c.observers = append(c.observers, o)
}

// Write submits a write and returns its pending outcome. The local state is
// not updated until the write comes back sequenced; a value that wins the
// atomic slot does so by the reference-sequence-number rule. Shared objects
// must be attached first.
func (c *Collection) Write(key string, value interface{}) (*session.Outcome, error) {
	wire, err := c.toWire(value)
	if err != nil {
		return nil, err
	}
	op := commons.Op{Type: commons.OpWrite, Key: key, Value: &wire}
	return c.sess.Submit(op)
}

// Read returns the atomic value for a key.
func (c *Collection) Read(key string) (interface{}, bool) {
	return c.ReadWithPolicy(key, Atomic)
}

// ReadWithPolicy returns the value for a key under the given read policy.
func (c *Collection) ReadWithPolicy(key string, policy ReadPolicy) (interface{}, bool) {
	e, ok := c.data[key]
	if !ok {
		return nil, false
	}
	switch policy {
	case Atomic:
		if !e.hasAtomic {
			return nil, false
		}
		return e.atomic.value, true
	case Versions:
		if len(e.versions) == 0 {
			return nil, false
		}
		return e.versions[len(e.versions)-1].value, true
	}
	panic(fmt.Sprintf("register: unknown read policy %d", policy))
}

// ReadVersions returns all concurrently-valid values for a key, oldest first.
func (c *Collection) ReadVersions(key string) []interface{} {
	e, ok := c.data[key]
	if !ok {
		return nil
	}
	out := make([]interface{}, len(e.versions))
	for i, v := range e.versions {
		out[i] = v.value
	}
	return out
}

// Keys returns the registered keys in sorted order.
func (c *Collection) Keys() []string {
	keys := maps.Keys(c.data)
	sort.Strings(keys)
	return keys
}

//////////////////////////////////
// Sequenced message application
//////////////////////////////////

// ApplyRemote applies a write sequenced for another client.
func (c *Collection) ApplyRemote(msg commons.SequencedMessage) error {
	return c.processWrite(msg)
}

// ApplyAck applies this client's own sequenced write. Register writes are not
// optimistic, so acknowledgment and remote application are the same path.
func (c *Collection) ApplyAck(msg commons.SequencedMessage) error {
	return c.processWrite(msg)
}

// Resubmit re-issues a nacked write unchanged; register writes carry no
// positions, so no regeneration is needed.
func (c *Collection) Resubmit(msg commons.SequencedMessage) []commons.Op {
	return []commons.Op{msg.Contents}
}

func (c *Collection) processWrite(msg commons.SequencedMessage) error {
	op := msg.Contents
	if op.Type != commons.OpWrite || op.Value == nil {
		panic(fmt.Sprintf("register: unexpected operation type %q", op.Type))
	}

	var val interface{}
	switch op.Value.Type {
	case commons.PlainValue:
		val = op.Value.Value
	case commons.SharedValue:
		id, ok := op.Value.Value.(string)
		if !ok {
			panic(fmt.Sprintf("register: shared value carries %T, want identifier string", op.Value.Value))
		}
		obj, ok := c.shared[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		val = obj
	default:
		panic(fmt.Sprintf("register: unknown value type %q", op.Value.Type))
	}

	e, ok := c.data[op.Key]
	if !ok {
		e = &entry{}
		c.data[op.Key] = e
	}
	vv := versionedValue{seq: msg.SequenceNumber, value: val}

	// The atomic slot moves only if the writer had seen the current winner
	// (or something newer); otherwise the write lands in the history only.
	atomicChanged := false
	if !e.hasAtomic || msg.ReferenceSequenceNumber >= e.atomic.seq {
		e.atomic = vv
		e.hasAtomic = true
		atomicChanged = true
	}

	// Versions the writer had already observed are provably subsumed.
	i := 0
	for i < len(e.versions) && e.versions[i].seq <= msg.ReferenceSequenceNumber {
		i++
	}
	e.versions = append(e.versions[i:], vv)

	for _, o := range c.observers {
		if atomicChanged {
			o.AtomicChanged(op.Key, val, msg.SequenceNumber)
		}
		o.VersionChanged(op.Key, val, msg.SequenceNumber)
	}
	return nil
}

func (c *Collection) toWire(value interface{}) (commons.Value, error) {
	if obj, ok := value.(SharedObject); ok {
		if _, attached := c.shared[obj.ID()]; !attached {
			return commons.Value{}, fmt.Errorf("%w: %q", ErrNotAttached, obj.ID())
		}
		return commons.Value{Type: commons.SharedValue, Value: obj.ID()}, nil
	}
	return commons.Value{Type: commons.PlainValue, Value: value}, nil
}
