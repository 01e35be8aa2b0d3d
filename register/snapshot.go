package register

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/commons"
	"github.com/weftlabs/weft/session"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

type persistedVersion struct {
	SequenceNumber int           `json:"sequenceNumber"`
	Value          commons.Value `json:"value"`
}

type persistedEntry struct {
	Atomic   *persistedVersion  `json:"atomic"`
	Versions []persistedVersion `json:"versions"`
}

// Snapshot serializes the collection into a snapshot tree holding a single
// "header" blob: a UTF-8 JSON encoding of every register, base64-transported.
// Shared objects are serialized by identifier, never by value.
func (c *Collection) Snapshot() (*commons.SnapshotTree, error) {
	out := make(map[string]persistedEntry, len(c.data))
	for key, e := range c.data {
		pe := persistedEntry{Versions: []persistedVersion{}}
		if e.hasAtomic {
			v, err := c.toWire(e.atomic.value)
			if err != nil {
				return nil, err
			}
			pe.Atomic = &persistedVersion{SequenceNumber: e.atomic.seq, Value: v}
		}
		for _, vv := range e.versions {
			v, err := c.toWire(vv.value)
			if err != nil {
				return nil, err
			}
			pe.Versions = append(pe.Versions, persistedVersion{SequenceNumber: vv.seq, Value: v})
		}
		out[key] = pe
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	tree := &commons.SnapshotTree{}
	tree.AddBlob("header", base64.StdEncoding.EncodeToString(raw), commons.Base64Encoding)
	return tree, nil
}

// Load reconstructs a collection from a snapshot tree. The given shared
// objects are attached first so serialized references resolve back to live
// handles; a reference that cannot be resolved fails the load. Any unexpected
// value-type tag or tree shape is fatal; there is no partial load.
func Load(sess *session.Session, tree *commons.SnapshotTree, shared ...SharedObject) (*Collection, error) {
	c := New(sess)
	for _, obj := range shared {
		c.Attach(obj)
	}

	headerEntry := tree.Find("header")
	if headerEntry == nil || headerEntry.Blob == nil {
		return nil, fmt.Errorf("%w: missing header blob", ErrMalformedSnapshot)
	}
	var raw []byte
	switch headerEntry.Blob.Encoding {
	case commons.Base64Encoding:
		decoded, err := base64.StdEncoding.DecodeString(headerEntry.Blob.Contents)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		raw = decoded
	case commons.UTF8Encoding:
		raw = []byte(headerEntry.Blob.Contents)
	default:
		return nil, fmt.Errorf("%w: unknown blob encoding %q", ErrMalformedSnapshot, headerEntry.Blob.Encoding)
	}

	var persisted map[string]persistedEntry
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	for key, pe := range persisted {
		e := &entry{}
		if pe.Atomic != nil {
			val, err := c.fromWire(pe.Atomic.Value)
			if err != nil {
				return nil, err
			}
			e.atomic = versionedValue{seq: pe.Atomic.SequenceNumber, value: val}
			e.hasAtomic = true
		}
		lastSeq := 0
		for _, pv := range pe.Versions {
			if pv.SequenceNumber <= lastSeq {
				return nil, fmt.Errorf("%w: version sequence numbers not increasing for key %q", ErrMalformedSnapshot, key)
			}
			lastSeq = pv.SequenceNumber
			val, err := c.fromWire(pv.Value)
			if err != nil {
				return nil, err
			}
			e.versions = append(e.versions, versionedValue{seq: pv.SequenceNumber, value: val})
		}
		c.data[key] = e
	}
	return c, nil
}

func (c *Collection) fromWire(v commons.Value) (interface{}, error) {
	switch v.Type {
	case commons.PlainValue:
		return v.Value, nil
	case commons.SharedValue:
		id, ok := v.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: shared value carries %T, want identifier string", ErrMalformedSnapshot, v.Value)
		}
		obj, ok := c.shared[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("%w: unknown value type %q", ErrMalformedSnapshot, v.Type)
}
