package mergetree

import (
	"github.com/weftlabs/weft/commons"
)

// ReferenceType classifies marker segments. Flags combine as a bitmask.
type ReferenceType int

const (
	// RefTile marks a standalone structural marker (paragraph, line break,
	// inclusion point).
	RefTile ReferenceType = 1 << iota

	// RefRangeBegin opens a tag range; paired with a RefRangeEnd marker
	// through a shared identifier suffix.
	RefRangeBegin

	// RefRangeEnd closes a tag range.
	RefRangeEnd

	// RefSlideOnRemove lets local references anchored on the marker slide to
	// a neighbor instead of dying with it.
	RefSlideOnRemove
)

// SegmentKind distinguishes text runs from markers.
type SegmentKind int

const (
	KindText SegmentKind = iota
	KindMarker
)

// Segment is a contiguous run of content: a text run or a single marker.
// Segments carry the replication metadata needed to resolve positions
// relative to any (referenceSequenceNumber, clientID) view. Removed segments
// stay in the tree as tombstones; the live document is the tombstone-filtered
// concatenation.
type Segment struct {
	Kind SegmentKind

	// Text is the run content. Empty for markers.
	Text string

	// RefType and MarkerID describe marker segments. MarkerID pairs
	// range-begin and range-end markers.
	RefType  ReferenceType
	MarkerID string

	Properties map[string]interface{}

	// Seq is the global sequence number assigned when the insertion was
	// sequenced, or UnassignedSequenceNumber while pending.
	Seq      int
	ClientID string

	// Removal tombstone. RemovedSeq is UnassignedSequenceNumber while a local
	// removal is pending. Overlapping concurrent removals append to
	// RemovedClientIDs; the earliest sequenced removal keeps RemovedSeq.
	Removed          bool
	RemovedSeq       int
	RemovedClientIDs []string

	// Local references anchored on this segment.
	refs []*LocalReference
}

// NewTextSegment returns a pending text segment owned by the given client.
func NewTextSegment(text, clientID string, props map[string]interface{}) *Segment {
	return &Segment{
		Kind:       KindText,
		Text:       text,
		Properties: cloneProps(props),
		Seq:        commons.UnassignedSequenceNumber,
		ClientID:   clientID,
	}
}

// NewMarkerSegment returns a pending marker segment owned by the given client.
func NewMarkerSegment(def commons.MarkerDef, clientID string) *Segment {
	return &Segment{
		Kind:       KindMarker,
		RefType:    ReferenceType(def.RefType),
		MarkerID:   def.ID,
		Properties: cloneProps(def.Props),
		Seq:        commons.UnassignedSequenceNumber,
		ClientID:   clientID,
	}
}

// Length returns the number of positions the segment occupies. Markers occupy
// exactly one position so ranges can address them; they contribute nothing to
// the document text.
func (s *Segment) Length() int {
	if s.Kind == KindMarker {
		return 1
	}
	return len(s.Text)
}

// IsMarker reports whether the segment is a marker.
func (s *Segment) IsMarker() bool {
	return s.Kind == KindMarker
}

// HasRefType reports whether all flags in t are set on the segment.
func (s *Segment) HasRefType(t ReferenceType) bool {
	return s.RefType&t == t
}

// view is the (referenceSequenceNumber, clientID) pair positions are resolved
// against. A client always sees its own unacknowledged edits.
type view struct {
	refSeq   int
	clientID string
}

// insertedIn reports whether the segment exists in the view.
func (s *Segment) insertedIn(v view) bool {
	if s.ClientID == v.clientID {
		return true
	}
	return s.Seq != commons.UnassignedSequenceNumber && s.Seq <= v.refSeq
}

// removedIn reports whether the segment's removal is visible in the view.
func (s *Segment) removedIn(v view) bool {
	if !s.Removed {
		return false
	}
	if s.RemovedSeq != commons.UnassignedSequenceNumber && s.RemovedSeq <= v.refSeq {
		return true
	}
	for _, id := range s.RemovedClientIDs {
		if id == v.clientID {
			return true
		}
	}
	return false
}

// visibleIn reports whether the segment contributes content in the view.
func (s *Segment) visibleIn(v view) bool {
	return s.insertedIn(v) && !s.removedIn(v)
}

// mergeProps folds the given properties into the segment's property set.
func (s *Segment) mergeProps(props map[string]interface{}) {
	if len(props) == 0 {
		return
	}
	if s.Properties == nil {
		s.Properties = make(map[string]interface{}, len(props))
	}
	for k, v := range props {
		s.Properties[k] = v
	}
}

func cloneProps(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
