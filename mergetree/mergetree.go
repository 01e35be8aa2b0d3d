package mergetree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/commons"
)

var (
	ErrPositionOutOfBounds = errors.New("position out of bounds")
	ErrInvalidRange        = errors.New("invalid range")
	ErrSegmentNotFound     = errors.New("segment not present in tree")
	ErrEmptySegment        = errors.New("empty segment provided")
)

// MergeTree is the replicated sequence of segments for one replica. It is
// exclusively owned by that replica; all cross-replica coordination happens
// through the sequenced message stream, so there is no internal locking.
//
// Every mutation resolves its positions against the (referenceSequenceNumber,
// clientID) view of the client that issued it, which is what makes concurrent
// edits converge: all replicas apply the same sequenced operations in the same
// total order against the same views.
type MergeTree struct {
	clientID string

	// seq is the highest global sequence number processed so far.
	seq int

	segments []*Segment

	// ids indexes live markers by their pairing identifier. Maintained
	// transactionally with insert/remove.
	ids map[string]*Segment

	// pending tracks locally-applied, not-yet-sequenced operations in FIFO
	// order. Acknowledgments stamp sequence numbers onto their segments.
	pending []*pendingOp
}

// pendingOp records the segments a local operation touched so the eventual
// acknowledgment can stamp them, or a nack can regenerate equivalent ops.
type pendingOp struct {
	op        commons.Op
	inserted  []*Segment
	removed   []*Segment
	annotated []*Segment

	// props is the property set of an annotate, kept for regeneration.
	props map[string]interface{}
}

// adopt keeps a split half inside any pending operation covering the original.
func (p *pendingOp) adopt(orig, half *Segment) {
	for _, s := range p.inserted {
		if s == orig {
			p.inserted = append(p.inserted, half)
			break
		}
	}
	for _, s := range p.removed {
		if s == orig {
			p.removed = append(p.removed, half)
			break
		}
	}
	for _, s := range p.annotated {
		if s == orig {
			p.annotated = append(p.annotated, half)
			break
		}
	}
}

// New returns an empty merge tree owned by the given client.
func New(clientID string) *MergeTree {
	return &MergeTree{
		clientID: clientID,
		ids:      make(map[string]*Segment),
	}
}

// ClientID returns the owning client's identifier.
func (m *MergeTree) ClientID() string {
	return m.clientID
}

// SequenceNumber returns the highest processed global sequence number.
func (m *MergeTree) SequenceNumber() int {
	return m.seq
}

// Advance records a processed sequence number without content (noop messages,
// other clients' register traffic).
func (m *MergeTree) Advance(seq int) {
	if seq > m.seq {
		m.seq = seq
	}
}

// PendingCount returns the number of local operations awaiting acknowledgment.
func (m *MergeTree) PendingCount() int {
	return len(m.pending)
}

// DropLastPending discards the bookkeeping for the most recent local
// operation. Callers use it when the operation could not be submitted at all;
// the optimistic edit itself stays applied in memory.
func (m *MergeTree) DropLastPending() {
	if n := len(m.pending); n > 0 {
		m.pending = m.pending[:n-1]
	}
}

func (m *MergeTree) localView() view {
	return view{refSeq: m.seq, clientID: m.clientID}
}

func (m *MergeTree) lengthIn(v view) int {
	total := 0
	for _, seg := range m.segments {
		if seg.visibleIn(v) {
			total += seg.Length()
		}
	}
	return total
}

// Len returns the current document length in the local view.
func (m *MergeTree) Len() int {
	return m.lengthIn(m.localView())
}

// Text returns the document text: the in-order concatenation of live text
// runs. Markers contribute nothing.
func (m *MergeTree) Text() string {
	var b strings.Builder
	v := m.localView()
	for _, seg := range m.segments {
		if seg.Kind == KindText && seg.visibleIn(v) {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

//////////////////////
// Local operations
//////////////////////

// InsertSegmentLocal applies a segment insertion optimistically and returns
// the operation payload to submit for sequencing.
func (m *MergeTree) InsertSegmentLocal(pos int, seg *Segment) (commons.Op, error) {
	if seg.Length() == 0 {
		return commons.Op{}, ErrEmptySegment
	}
	if err := m.insertSegment(m.localView(), pos, seg); err != nil {
		return commons.Op{}, err
	}
	op := opForInsert(pos, seg)
	m.pending = append(m.pending, &pendingOp{op: op, inserted: []*Segment{seg}})
	return op, nil
}

// InsertTextLocal inserts a text run at the given position.
func (m *MergeTree) InsertTextLocal(pos int, text string, props map[string]interface{}) (commons.Op, error) {
	return m.InsertSegmentLocal(pos, NewTextSegment(text, m.clientID, props))
}

// InsertMarkerLocal inserts a marker at the given position.
func (m *MergeTree) InsertMarkerLocal(pos int, def commons.MarkerDef) (commons.Op, error) {
	return m.InsertSegmentLocal(pos, NewMarkerSegment(def, m.clientID))
}

// RemoveRangeLocal tombstones [start, end) optimistically and returns the
// operation payload to submit.
func (m *MergeTree) RemoveRangeLocal(start, end int) (commons.Op, error) {
	if start >= end {
		return commons.Op{}, ErrInvalidRange
	}
	removed, err := m.removeRange(m.localView(), start, end, commons.UnassignedSequenceNumber, m.clientID)
	if err != nil {
		return commons.Op{}, err
	}
	op := commons.Op{Type: commons.OpRemove, Pos1: start, Pos2: end}
	m.pending = append(m.pending, &pendingOp{op: op, removed: removed})
	return op, nil
}

// Range is a half-open [Start, End) position pair.
type Range struct {
	Start int
	End   int
}

// RemoveRangesLocal removes several ranges as one atomic edit. Ranges must be
// disjoint and ordered by descending position so earlier removals don't shift
// the offsets of later ones; all sub-removals share a single pending record
// and travel as one group operation.
func (m *MergeTree) RemoveRangesLocal(ranges []Range) (commons.Op, error) {
	// Validate everything up front: once the first range is tombstoned there
	// is no way to report an error without leaving partial state behind.
	if len(ranges) == 0 {
		return commons.Op{}, ErrInvalidRange
	}
	for i, r := range ranges {
		if r.Start < 0 || r.Start >= r.End {
			return commons.Op{}, ErrInvalidRange
		}
		if i > 0 && r.End > ranges[i-1].Start {
			return commons.Op{}, fmt.Errorf("%w: ranges must be disjoint and ordered by descending position", ErrInvalidRange)
		}
	}
	if ranges[0].End > m.Len() {
		return commons.Op{}, ErrPositionOutOfBounds
	}
	p := &pendingOp{}
	var subOps []commons.Op
	for _, r := range ranges {
		removed, err := m.removeRange(m.localView(), r.Start, r.End, commons.UnassignedSequenceNumber, m.clientID)
		if err != nil {
			return commons.Op{}, err
		}
		p.removed = append(p.removed, removed...)
		subOps = append(subOps, commons.Op{Type: commons.OpRemove, Pos1: r.Start, Pos2: r.End})
	}
	var op commons.Op
	if len(subOps) == 1 {
		op = subOps[0]
	} else {
		op = commons.Op{Type: commons.OpGroup, Ops: subOps}
	}
	p.op = op
	m.pending = append(m.pending, p)
	return op, nil
}

// AnnotateRangeLocal merges properties into segments covering [start, end)
// and returns the operation payload to submit.
func (m *MergeTree) AnnotateRangeLocal(start, end int, props map[string]interface{}) (commons.Op, error) {
	annotated, err := m.annotateRange(m.localView(), start, end, props)
	if err != nil {
		return commons.Op{}, err
	}
	op := commons.Op{Type: commons.OpAnnotate, Pos1: start, Pos2: end, Props: cloneProps(props)}
	m.pending = append(m.pending, &pendingOp{op: op, annotated: annotated, props: cloneProps(props)})
	return op, nil
}

//////////////////////////////////
// Sequenced message application
//////////////////////////////////

// ApplyRemote applies a sequenced operation from another client, resolving
// positions against the sender's view.
func (m *MergeTree) ApplyRemote(msg commons.SequencedMessage) error {
	v := view{refSeq: msg.ReferenceSequenceNumber, clientID: msg.ClientID}
	if err := m.applyOp(msg.Contents, v, msg.SequenceNumber, msg.ClientID); err != nil {
		return err
	}
	m.Advance(msg.SequenceNumber)
	return nil
}

// AckLocal consumes the sequenced echo of the oldest pending local operation,
// stamping its segments with the assigned sequence number. The local state
// already reflects the edit; nothing is applied twice.
func (m *MergeTree) AckLocal(msg commons.SequencedMessage) {
	if len(m.pending) == 0 {
		panic("mergetree: acknowledgment received with no pending operation")
	}
	p := m.pending[0]
	m.pending = m.pending[1:]
	for _, seg := range p.inserted {
		seg.Seq = msg.SequenceNumber
	}
	for _, seg := range p.removed {
		if seg.RemovedSeq == commons.UnassignedSequenceNumber {
			seg.RemovedSeq = msg.SequenceNumber
		}
	}
	m.Advance(msg.SequenceNumber)
}

// NackLocal discards the oldest pending operation and regenerates equivalent
// operations against current local state: one insert per surviving pending
// segment, one remove per still-unsequenced tombstone, one annotate per
// surviving annotated segment. The returned ops are ordered by descending
// position and each gets its own pending record; the caller resubmits them in
// order.
func (m *MergeTree) NackLocal() []commons.Op {
	if len(m.pending) == 0 {
		panic("mergetree: nack received with no pending operation")
	}
	p := m.pending[0]
	m.pending = m.pending[1:]

	type corrective struct {
		pos int
		op  commons.Op
		rec *pendingOp
	}
	var items []corrective
	for _, seg := range p.inserted {
		if seg.Removed {
			// Inserted then removed locally before the nack arrived; the
			// sequencer never saw either, so there is nothing to correct.
			continue
		}
		pos, ok := m.resubmitOffset(seg)
		if !ok {
			continue
		}
		op := opForInsert(pos, seg)
		items = append(items, corrective{pos, op, &pendingOp{op: op, inserted: []*Segment{seg}}})
	}
	for _, seg := range p.removed {
		if seg.RemovedSeq != commons.UnassignedSequenceNumber {
			// A concurrent removal already sequenced this tombstone.
			continue
		}
		pos, ok := m.resubmitOffset(seg)
		if !ok {
			continue
		}
		op := commons.Op{Type: commons.OpRemove, Pos1: pos, Pos2: pos + seg.Length()}
		items = append(items, corrective{pos, op, &pendingOp{op: op, removed: []*Segment{seg}}})
	}
	for _, seg := range p.annotated {
		// The properties are already merged locally; what the nack lost is
		// the broadcast, so an equivalent annotate goes out per segment.
		pos, ok := m.resubmitOffset(seg)
		if !ok {
			continue
		}
		op := commons.Op{Type: commons.OpAnnotate, Pos1: pos, Pos2: pos + seg.Length(), Props: cloneProps(p.props)}
		items = append(items, corrective{pos, op, &pendingOp{op: op, annotated: []*Segment{seg}, props: p.props}})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].pos > items[j].pos })

	ops := make([]commons.Op, 0, len(items))
	for _, it := range items {
		ops = append(ops, it.op)
		m.pending = append(m.pending, it.rec)
	}
	return ops
}

// resubmitVisible is the visibility predicate for regenerated positions: the
// sequencer never saw our still-unsequenced removals, so their tombstones
// count as live content when computing positions for resubmission.
func (m *MergeTree) resubmitVisible(s *Segment) bool {
	if !s.insertedIn(m.localView()) {
		return false
	}
	return !(s.Removed && s.RemovedSeq != commons.UnassignedSequenceNumber)
}

func (m *MergeTree) resubmitOffset(target *Segment) (int, bool) {
	acc := 0
	for _, seg := range m.segments {
		if seg == target {
			return acc, m.resubmitVisible(target)
		}
		if m.resubmitVisible(seg) {
			acc += seg.Length()
		}
	}
	return 0, false
}

func (m *MergeTree) applyOp(op commons.Op, v view, seq int, clientID string) error {
	switch op.Type {
	case commons.OpInsert:
		var seg *Segment
		if op.Marker != nil {
			seg = NewMarkerSegment(*op.Marker, clientID)
		} else {
			seg = NewTextSegment(op.Text, clientID, op.Props)
		}
		seg.Seq = seq
		return m.insertSegment(v, op.Pos1, seg)
	case commons.OpRemove:
		_, err := m.removeRange(v, op.Pos1, op.Pos2, seq, clientID)
		return err
	case commons.OpAnnotate:
		_, err := m.annotateRange(v, op.Pos1, op.Pos2, op.Props)
		return err
	case commons.OpGroup:
		for _, sub := range op.Ops {
			if err := m.applyOp(sub, v, seq, clientID); err != nil {
				return err
			}
		}
		return nil
	}
	// An unknown operation type means the transport or a peer is corrupt;
	// recovering silently would break convergence.
	panic(fmt.Sprintf("mergetree: unknown operation type %q", op.Type))
}

//////////////////////
// Structural walks
//////////////////////

// insertSegment places seg at the slot whose accumulated visible length
// equals pos, splitting a covering text run when pos falls inside one.
func (m *MergeTree) insertSegment(v view, pos int, seg *Segment) error {
	if pos < 0 || pos > m.lengthIn(v) {
		return ErrPositionOutOfBounds
	}
	acc := 0
	insertAt := 0
	for i := 0; i < len(m.segments); i++ {
		cur := m.segments[i]
		if !cur.visibleIn(v) {
			continue
		}
		if acc >= pos {
			break
		}
		l := cur.Length()
		if acc+l > pos {
			m.splitSegment(i, pos-acc)
			insertAt = i + 1
			acc = pos
			break
		}
		acc += l
		insertAt = i + 1
	}
	if acc < pos {
		return ErrPositionOutOfBounds
	}
	// Tie-break for concurrent inserts at the same slot: sequence-number
	// order. The new segment lands after everything already sequenced here
	// and before this client's still-pending content, which is guaranteed to
	// sequence later.
	for insertAt < len(m.segments) {
		cur := m.segments[insertAt]
		if cur.visibleIn(v) {
			break
		}
		if cur.Seq == commons.UnassignedSequenceNumber && !cur.Removed {
			break
		}
		insertAt++
	}
	m.segments = append(m.segments, nil)
	copy(m.segments[insertAt+1:], m.segments[insertAt:])
	m.segments[insertAt] = seg
	if seg.MarkerID != "" {
		m.ids[seg.MarkerID] = seg
	}
	return nil
}

// removeRange tombstones the segments covering [start, end) in the view,
// splitting partially-covered runs at the boundaries. Returns the tombstoned
// segments in order.
func (m *MergeTree) removeRange(v view, start, end int, removedSeq int, remover string) ([]*Segment, error) {
	if start < 0 || start > end || end > m.lengthIn(v) {
		return nil, ErrPositionOutOfBounds
	}
	var removed []*Segment
	acc := 0
	for i := 0; i < len(m.segments) && acc < end; i++ {
		seg := m.segments[i]
		if !seg.visibleIn(v) {
			continue
		}
		segStart := acc
		segEnd := acc + seg.Length()
		if segEnd <= start {
			acc = segEnd
			continue
		}
		if segStart < start {
			// Keep the prefix; the suffix is revisited on the next pass.
			m.splitSegment(i, start-segStart)
			acc = start
			continue
		}
		if segEnd > end {
			m.splitSegment(i, end-segStart)
			segEnd = end
		}
		m.tombstone(seg, removedSeq, remover)
		removed = append(removed, seg)
		acc = segEnd
	}
	return removed, nil
}

// annotateRange merges properties into every segment overlapping [start, end),
// splitting partially-covered boundary runs so the annotation lands exactly.
// An empty range is a no-op. Returns the annotated segments in order.
func (m *MergeTree) annotateRange(v view, start, end int, props map[string]interface{}) ([]*Segment, error) {
	if start < 0 || start > end || end > m.lengthIn(v) {
		return nil, ErrPositionOutOfBounds
	}
	var annotated []*Segment
	acc := 0
	for i := 0; i < len(m.segments) && acc < end; i++ {
		seg := m.segments[i]
		if !seg.visibleIn(v) {
			continue
		}
		segStart := acc
		segEnd := acc + seg.Length()
		if segEnd <= start {
			acc = segEnd
			continue
		}
		if segStart < start {
			m.splitSegment(i, start-segStart)
			acc = start
			continue
		}
		if segEnd > end {
			m.splitSegment(i, end-segStart)
			segEnd = end
		}
		seg.mergeProps(props)
		annotated = append(annotated, seg)
		acc = segEnd
	}
	return annotated, nil
}

func (m *MergeTree) tombstone(seg *Segment, removedSeq int, remover string) {
	if !seg.Removed {
		seg.Removed = true
		seg.RemovedSeq = removedSeq
	} else if seg.RemovedSeq == commons.UnassignedSequenceNumber && removedSeq != commons.UnassignedSequenceNumber {
		// A sequenced removal wins over a pending local one.
		seg.RemovedSeq = removedSeq
	}
	seg.RemovedClientIDs = append(seg.RemovedClientIDs, remover)
	if seg.MarkerID != "" {
		if cur, ok := m.ids[seg.MarkerID]; ok && cur == seg {
			delete(m.ids, seg.MarkerID)
		}
	}
	m.slideRefs(seg)
}

// splitSegment splits the text run at index i so that the first half keeps
// [0, off). Local references at or past the split point migrate to the second
// half, and pending operations covering the original adopt it.
func (m *MergeTree) splitSegment(i, off int) {
	seg := m.segments[i]
	second := &Segment{
		Kind:       seg.Kind,
		Text:       seg.Text[off:],
		RefType:    seg.RefType,
		Properties: cloneProps(seg.Properties),
		Seq:        seg.Seq,
		ClientID:   seg.ClientID,
		Removed:    seg.Removed,
		RemovedSeq: seg.RemovedSeq,
	}
	second.RemovedClientIDs = append([]string(nil), seg.RemovedClientIDs...)
	seg.Text = seg.Text[:off]

	m.segments = append(m.segments, nil)
	copy(m.segments[i+2:], m.segments[i+1:])
	m.segments[i+1] = second

	var keep []*LocalReference
	for _, r := range seg.refs {
		if r.offset >= off {
			r.segment = second
			r.offset -= off
			second.refs = append(second.refs, r)
		} else {
			keep = append(keep, r)
		}
	}
	seg.refs = keep

	for _, p := range m.pending {
		p.adopt(seg, second)
	}
}

// slideRefs re-anchors every reference on a freshly tombstoned segment to the
// next live segment, or to the end-of-document variant when nothing follows.
func (m *MergeTree) slideRefs(seg *Segment) {
	if len(seg.refs) == 0 {
		return
	}
	refs := seg.refs
	seg.refs = nil
	next := m.nextVisible(seg)
	for _, r := range refs {
		r.segment = nil
		if next == nil {
			r.toEnd()
		} else {
			r.bind(next, 0)
		}
	}
}

func (m *MergeTree) nextVisible(seg *Segment) *Segment {
	v := m.localView()
	found := false
	for _, cur := range m.segments {
		if cur == seg {
			found = true
			continue
		}
		if found && cur.visibleIn(v) {
			return cur
		}
	}
	return nil
}

//////////////////////
// Queries
//////////////////////

// Position locates a document offset: either inside a live segment or the
// explicit end-of-document variant (Segment nil, AtEnd true).
type Position struct {
	Segment *Segment
	Offset  int
	AtEnd   bool
}

// GetContainingSegment resolves a position in the local view. A position equal
// to the document length resolves to the end-of-document variant.
func (m *MergeTree) GetContainingSegment(pos int) (Position, error) {
	length := m.Len()
	if pos < 0 || pos > length {
		return Position{}, ErrPositionOutOfBounds
	}
	if pos == length {
		return Position{AtEnd: true}, nil
	}
	v := m.localView()
	acc := 0
	for _, seg := range m.segments {
		if !seg.visibleIn(v) {
			continue
		}
		l := seg.Length()
		if acc+l > pos {
			return Position{Segment: seg, Offset: pos - acc}, nil
		}
		acc += l
	}
	return Position{}, ErrPositionOutOfBounds
}

// GetOffset returns the document position of a live segment in the local view.
func (m *MergeTree) GetOffset(target *Segment) (int, error) {
	v := m.localView()
	acc := 0
	for _, seg := range m.segments {
		if seg == target {
			if !seg.visibleIn(v) {
				return 0, ErrSegmentNotFound
			}
			return acc, nil
		}
		if seg.visibleIn(v) {
			acc += seg.Length()
		}
	}
	return 0, ErrSegmentNotFound
}

// MapRange walks the live segments overlapping [start, end) left to right,
// passing each segment with the sub-range [segStart, segEnd) it contributes.
// The walk stops early when the visitor returns false. An empty range visits
// nothing.
func (m *MergeTree) MapRange(start, end int, visit func(seg *Segment, segStart, segEnd int) bool) error {
	if start >= end {
		return nil
	}
	if start < 0 || end > m.Len() {
		return ErrPositionOutOfBounds
	}
	v := m.localView()
	acc := 0
	for _, seg := range m.segments {
		if !seg.visibleIn(v) {
			continue
		}
		segStart := acc
		segEnd := acc + seg.Length()
		acc = segEnd
		if segEnd <= start {
			continue
		}
		if segStart >= end {
			break
		}
		from := 0
		if segStart < start {
			from = start - segStart
		}
		to := seg.Length()
		if segEnd > end {
			to = end - segStart
		}
		if !visit(seg, from, to) {
			break
		}
	}
	return nil
}

// FindMarker returns the live marker with the given pairing identifier, or
// nil if it does not exist or has been removed.
func (m *MergeTree) FindMarker(id string) *Segment {
	seg, ok := m.ids[id]
	if !ok || !seg.visibleIn(m.localView()) {
		return nil
	}
	return seg
}

//////////////////////
// Local references
//////////////////////

// AddLocalRef creates a position-stable anchor at pos. An anchor at the
// current document length is the distinguished end-of-document reference.
func (m *MergeTree) AddLocalRef(pos int) (*LocalReference, error) {
	p, err := m.GetContainingSegment(pos)
	if err != nil {
		return nil, err
	}
	r := &LocalReference{}
	if p.AtEnd {
		r.kind = refEndOfDocument
		return r, nil
	}
	r.bind(p.Segment, p.Offset)
	return r, nil
}

// RemoveLocalRef releases an anchor. Releasing the end-of-document variant is
// a no-op.
func (m *MergeTree) RemoveLocalRef(r *LocalReference) {
	r.unbind()
}

// RefPosition returns the current document position of an anchor.
func (m *MergeTree) RefPosition(r *LocalReference) (int, error) {
	if r.AtEnd() {
		return m.Len(), nil
	}
	base, err := m.GetOffset(r.segment)
	if err != nil {
		return 0, err
	}
	return base + r.offset, nil
}

func opForInsert(pos int, seg *Segment) commons.Op {
	if seg.IsMarker() {
		return commons.Op{
			Type: commons.OpInsert,
			Pos1: pos,
			Marker: &commons.MarkerDef{
				RefType: int(seg.RefType),
				ID:      seg.MarkerID,
				Props:   cloneProps(seg.Properties),
			},
		}
	}
	return commons.Op{Type: commons.OpInsert, Pos1: pos, Text: seg.Text, Props: cloneProps(seg.Properties)}
}
