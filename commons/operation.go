package commons

// OpType enumerates the closed set of operation kinds.
type OpType string

const (
	OpInsert   OpType = "insert"
	OpRemove   OpType = "remove"
	OpAnnotate OpType = "annotate"
	OpGroup    OpType = "group"
	OpWrite    OpType = "write"
)

// ValueType tags a register value as a raw value or a reference to a shared
// object. Inspecting the runtime type of Value.Value is never necessary.
type ValueType string

const (
	// PlainValue means Value.Value holds the raw value itself.
	PlainValue ValueType = "Plain"

	// SharedValue means Value.Value holds the identifier string of a shared
	// object, which must be resolved to a live handle by the receiver.
	SharedValue ValueType = "Shared"
)

// Value is a register value variant.
type Value struct {
	Type  ValueType   `json:"type"`
	Value interface{} `json:"value"`
}

// MarkerDef describes a marker segment carried by an insert operation.
type MarkerDef struct {
	// RefType holds the marker's reference-type flags (tile, range begin,
	// range end, slide on remove), encoded as a bitmask.
	RefType int `json:"refType"`

	// ID pairs range-begin and range-end markers ("begin-"/"end-" + suffix).
	// Empty for markers that aren't part of a range.
	ID string `json:"id,omitempty"`

	Props map[string]interface{} `json:"props,omitempty"`
}

// Op is the operation payload carried by a message. It is a closed tagged
// union; which fields are meaningful depends on Type:
//
//	insert:   Pos1, and exactly one of Text or Marker
//	remove:   Pos1, Pos2 (half-open range)
//	annotate: Pos1, Pos2, Props
//	group:    Ops (applied atomically, ordered by descending position)
//	write:    Key, Value (register collection)
type Op struct {
	Type OpType `json:"type"`

	Pos1 int `json:"pos1,omitempty"`
	Pos2 int `json:"pos2,omitempty"`

	Text   string     `json:"text,omitempty"`
	Marker *MarkerDef `json:"marker,omitempty"`

	Props map[string]interface{} `json:"props,omitempty"`

	Ops []Op `json:"ops,omitempty"`

	Key   string `json:"key,omitempty"`
	Value *Value `json:"value,omitempty"`
}
