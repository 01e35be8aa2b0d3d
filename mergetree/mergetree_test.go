package mergetree

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/weftlabs/weft/commons"
)

// sequencer hands out global sequence numbers for tests.
type sequencer struct {
	seq int
}

// ack sequences the oldest pending local op on the originating tree and
// returns the message other replicas would receive.
func (s *sequencer) ack(t *testing.T, m *MergeTree, op commons.Op, refSeq int) commons.SequencedMessage {
	t.Helper()
	s.seq++
	msg := commons.SequencedMessage{
		Type:                    commons.OpMessage,
		SequenceNumber:          s.seq,
		ClientID:                m.ClientID(),
		ReferenceSequenceNumber: refSeq,
		Contents:                op,
	}
	m.AckLocal(msg)
	return msg
}

func TestNewTreeIsEmpty(t *testing.T) {
	m := New("a")

	if got, want := m.Len(), 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := m.Text(), ""; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestInsertTextLocal(t *testing.T) {
	m := New("a")

	if _, err := m.InsertTextLocal(0, "hello", nil); err != nil {
		t.Errorf("error: %v\n", err)
	}
	if _, err := m.InsertTextLocal(5, " world", nil); err != nil {
		t.Errorf("error: %v\n", err)
	}

	got := m.Text()
	want := "hello world"

	if got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestInsertSplitsContainingSegment(t *testing.T) {
	m := New("a")

	_, _ = m.InsertTextLocal(0, "held", nil)
	if _, err := m.InsertTextLocal(3, "lo wor", nil); err != nil {
		t.Errorf("error: %v\n", err)
	}

	if got, want := m.Text(), "hello world"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestInsertOutOfBounds(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hi", nil)

	if _, err := m.InsertTextLocal(5, "x", nil); err != ErrPositionOutOfBounds {
		t.Errorf("expected ErrPositionOutOfBounds, got %v\n", err)
	}
}

func TestRemoveRangeLocal(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello world", nil)

	if _, err := m.RemoveRangeLocal(2, 9); err != nil {
		t.Errorf("error: %v\n", err)
	}

	if got, want := m.Text(), "held"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := m.Len(), 4; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestRemoveEmptyRangeFails(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hi", nil)

	if _, err := m.RemoveRangeLocal(1, 1); err != ErrInvalidRange {
		t.Errorf("expected ErrInvalidRange, got %v\n", err)
	}
}

func TestAnnotateRangeLocal(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello world", nil)

	if _, err := m.AnnotateRangeLocal(0, 5, map[string]interface{}{"font-weight": "bold"}); err != nil {
		t.Errorf("error: %v\n", err)
	}

	var annotated, plain string
	_ = m.MapRange(0, m.Len(), func(seg *Segment, from, to int) bool {
		if seg.Properties["font-weight"] == "bold" {
			annotated += seg.Text[from:to]
		} else {
			plain += seg.Text[from:to]
		}
		return true
	})

	if got, want := annotated, "hello"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := plain, " world"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestMapRangeEmptyIsNoOp(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello", nil)

	visits := 0
	_ = m.MapRange(3, 3, func(seg *Segment, from, to int) bool {
		visits++
		return true
	})

	if visits != 0 {
		t.Errorf("empty range visited %d segments, expected 0\n", visits)
	}
}

func TestGetContainingSegmentAtDocumentLength(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello", nil)

	p, err := m.GetContainingSegment(5)
	if err != nil {
		t.Errorf("error: %v\n", err)
	}
	if !p.AtEnd || p.Segment != nil {
		t.Errorf("expected end-of-document variant, got %+v\n", p)
	}

	if _, err := m.GetContainingSegment(6); err != ErrPositionOutOfBounds {
		t.Errorf("expected ErrPositionOutOfBounds, got %v\n", err)
	}
}

// TestAckDrainsPendingQueue checks that a sequence of local inserts followed
// by full acknowledgment leaves the queue empty and the text in final
// position order.
func TestAckDrainsPendingQueue(t *testing.T) {
	m := New("a")
	seq := &sequencer{}

	words := []string{"one ", "two ", "three"}
	var ops []commons.Op
	pos := 0
	for _, w := range words {
		op, err := m.InsertTextLocal(pos, w, nil)
		if err != nil {
			t.Fatalf("error: %v\n", err)
		}
		ops = append(ops, op)
		pos += len(w)
	}

	if got, want := m.PendingCount(), 3; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}

	for _, op := range ops {
		seq.ack(t, m, op, 0)
	}

	if got, want := m.PendingCount(), 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := m.Text(), "one two three"; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

// TestConvergenceConcurrentInserts delivers the same totally-ordered stream
// to the originator (as acknowledgments) and to a second replica (as remote
// operations) and checks both arrive at identical text.
func TestConvergenceConcurrentInserts(t *testing.T) {
	a := New("a")
	b := New("b")
	seq := &sequencer{}

	// Both clients insert at position 0 concurrently (neither has seen the
	// other's edit).
	opA, _ := a.InsertTextLocal(0, "aaa", nil)
	opB, _ := b.InsertTextLocal(0, "bbb", nil)

	msgA := seq.ack(t, a, opA, 0)
	if err := b.ApplyRemote(msgA); err != nil {
		t.Fatalf("error: %v\n", err)
	}
	msgB := seq.ack(t, b, opB, 0)
	if err := a.ApplyRemote(msgB); err != nil {
		t.Fatalf("error: %v\n", err)
	}

	// An observer replica sees both edits purely as remote operations.
	c := New("c")
	for _, msg := range []commons.SequencedMessage{msgA, msgB} {
		if err := c.ApplyRemote(msg); err != nil {
			t.Fatalf("error: %v\n", err)
		}
	}

	// Concurrent inserts at the same position order by sequence number.
	if got, want := c.Text(), "aaabbb"; got != want {
		t.Errorf("got != want; got = %q, expected = %q\n", got, want)
	}
	if diff := cmp.Diff(a.Text(), b.Text()); diff != "" {
		t.Errorf("replicas diverged; diff = %v\n", diff)
	}
	if diff := cmp.Diff(a.Text(), c.Text()); diff != "" {
		t.Errorf("replicas diverged; diff = %v\n", diff)
	}
}

// TestConvergenceRemoveAcrossConcurrentInsert checks position resolution
// against the sender's view: a removal referencing old state must not eat a
// concurrent insert.
func TestConvergenceRemoveAcrossConcurrentInsert(t *testing.T) {
	a := New("a")
	b := New("b")
	seq := &sequencer{}

	op, _ := a.InsertTextLocal(0, "hello world", nil)
	msg := seq.ack(t, a, op, 0)
	if err := b.ApplyRemote(msg); err != nil {
		t.Fatalf("error: %v\n", err)
	}
	base := seq.seq

	// a removes "world" while b concurrently inserts at the front.
	opA, _ := a.RemoveRangeLocal(6, 11)
	opB, _ := b.InsertTextLocal(0, ">> ", nil)

	msgA := seq.ack(t, a, opA, base)
	if err := b.ApplyRemote(msgA); err != nil {
		t.Fatalf("error: %v\n", err)
	}
	msgB := seq.ack(t, b, opB, base)
	if err := a.ApplyRemote(msgB); err != nil {
		t.Fatalf("error: %v\n", err)
	}

	if got, want := a.Text(), ">> hello "; got != want {
		t.Errorf("got != want; got = %q, expected = %q\n", got, want)
	}
	if diff := cmp.Diff(a.Text(), b.Text()); diff != "" {
		t.Errorf("replicas diverged; diff = %v\n", diff)
	}
}

// TestNackRegeneratesOperations nacks a two-range atomic removal and checks
// that at least two corrective operations are queued, and that fully
// acknowledging them restores the pre-nack text with an empty queue.
func TestNackRegeneratesOperations(t *testing.T) {
	m := New("a")
	seq := &sequencer{}

	op, _ := m.InsertTextLocal(0, "hello wide world", nil)
	seq.ack(t, m, op, 0)

	// One semantic edit, two sub-removals: "hello " and " world".
	_, err := m.RemoveRangesLocal([]Range{{Start: 10, End: 16}, {Start: 0, End: 6}})
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if got, want := m.Text(), "wide"; got != want {
		t.Errorf("got != want; got = %q, expected = %q\n", got, want)
	}

	corrective := m.NackLocal()
	if len(corrective) < 2 {
		t.Fatalf("expected at least 2 corrective ops, got %d\n", len(corrective))
	}
	if got, want := m.PendingCount(), len(corrective); got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}

	// Corrective ops must be ordered by descending position.
	for i := 1; i < len(corrective); i++ {
		if corrective[i].Pos1 >= corrective[i-1].Pos1 {
			t.Errorf("corrective ops not in descending position order: %v\n", corrective)
		}
	}

	for _, op := range corrective {
		seq.ack(t, m, op, seq.seq)
	}

	if got, want := m.PendingCount(), 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
	if got, want := m.Text(), "wide"; got != want {
		t.Errorf("got != want; got = %q, expected = %q\n", got, want)
	}
}

// TestNackRegeneratesAnnotate checks that a nacked annotate broadcasts again:
// the properties stay merged locally, and the corrective operations carry them
// to replicas that never saw the original.
func TestNackRegeneratesAnnotate(t *testing.T) {
	a := New("a")
	b := New("b")
	seq := &sequencer{}

	op, _ := a.InsertTextLocal(0, "hello world", nil)
	msg := seq.ack(t, a, op, 0)
	if err := b.ApplyRemote(msg); err != nil {
		t.Fatalf("error: %v\n", err)
	}

	if _, err := a.AnnotateRangeLocal(0, 5, map[string]interface{}{"font-weight": "bold"}); err != nil {
		t.Fatalf("error: %v\n", err)
	}

	corrective := a.NackLocal()
	if len(corrective) == 0 {
		t.Fatalf("nacked annotate regenerated no corrective ops\n")
	}
	if got, want := a.PendingCount(), len(corrective); got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}

	for _, op := range corrective {
		msg := seq.ack(t, a, op, seq.seq)
		if err := b.ApplyRemote(msg); err != nil {
			t.Fatalf("error: %v\n", err)
		}
	}

	bold := func(m *MergeTree) string {
		var s string
		_ = m.MapRange(0, m.Len(), func(seg *Segment, from, to int) bool {
			if seg.Properties["font-weight"] == "bold" {
				s += seg.Text[from:to]
			}
			return true
		})
		return s
	}
	if got, want := bold(b), "hello"; got != want {
		t.Errorf("got != want; got = %q, expected = %q\n", got, want)
	}
	if diff := cmp.Diff(bold(a), bold(b)); diff != "" {
		t.Errorf("replicas diverged; diff = %v\n", diff)
	}
	if got, want := a.PendingCount(), 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

// TestRemoveRangesInvalidInputLeavesStateUntouched checks all-or-nothing
// validation: a bad range anywhere in the batch must not tombstone anything.
func TestRemoveRangesInvalidInputLeavesStateUntouched(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello world", nil)

	cases := [][]Range{
		{{Start: 6, End: 11}, {Start: 2, End: 2}},  // empty later range
		{{Start: 6, End: 11}, {Start: 0, End: 8}},  // overlapping
		{{Start: 0, End: 5}, {Start: 6, End: 11}},  // ascending
		{{Start: 6, End: 99}},                      // out of bounds
		{{Start: -1, End: 3}},                      // negative start
	}
	for _, ranges := range cases {
		if _, err := m.RemoveRangesLocal(ranges); err == nil {
			t.Errorf("expected error for ranges %v\n", ranges)
		}
		if got, want := m.Text(), "hello world"; got != want {
			t.Errorf("ranges %v left partial state; got = %q, expected = %q\n", ranges, got, want)
		}
	}
	if got, want := m.PendingCount(), 1; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestNackSkipsInsertAlreadyRemovedLocally(t *testing.T) {
	m := New("a")

	_, _ = m.InsertTextLocal(0, "oops", nil)
	_, _ = m.RemoveRangeLocal(0, 4)

	// The insert is nacked after its content was already removed locally;
	// nothing needs correcting for it.
	corrective := m.NackLocal()
	if len(corrective) != 0 {
		t.Errorf("expected no corrective ops, got %v\n", corrective)
	}
}

func TestAckWithEmptyQueuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on acknowledgment with empty queue\n")
		}
	}()
	m := New("a")
	m.AckLocal(commons.SequencedMessage{Type: commons.OpMessage, SequenceNumber: 1})
}

func TestMarkerPairIndex(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "abc", nil)
	_, _ = m.InsertMarkerLocal(3, commons.MarkerDef{RefType: int(RefRangeEnd), ID: "end-x"})
	_, _ = m.InsertMarkerLocal(0, commons.MarkerDef{RefType: int(RefRangeBegin), ID: "begin-x"})

	if m.FindMarker("begin-x") == nil || m.FindMarker("end-x") == nil {
		t.Fatalf("markers not indexed\n")
	}

	// Removing the begin marker drops it from the index.
	if _, err := m.RemoveRangeLocal(0, 1); err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if m.FindMarker("begin-x") != nil {
		t.Errorf("removed marker still indexed\n")
	}
	if m.FindMarker("end-x") == nil {
		t.Errorf("surviving marker lost from index\n")
	}
}

func TestLocalRefSlidesOnRemove(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello world", nil)

	// Anchor inside "hello".
	ref, err := m.AddLocalRef(2)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}

	// Removing "hello " slides the anchor to what followed the removed
	// content: the start of "world".
	_, _ = m.RemoveRangeLocal(0, 6)

	pos, err := m.RefPosition(ref)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if got, want := pos, 0; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}

	// Removing everything converts it to the end-of-document variant.
	_, _ = m.RemoveRangeLocal(0, m.Len())
	if !ref.AtEnd() {
		t.Errorf("expected end-of-document variant after removing all content\n")
	}
}

// TestEndOfDocumentRefTracksLength checks the distinguished end anchor
// reports position == document length across unrelated edits.
func TestEndOfDocumentRefTracksLength(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "hello", nil)

	ref, err := m.AddLocalRef(5)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if !ref.AtEnd() {
		t.Fatalf("expected end-of-document variant\n")
	}

	checks := func() {
		pos, err := m.RefPosition(ref)
		if err != nil {
			t.Fatalf("error: %v\n", err)
		}
		if pos != m.Len() {
			t.Errorf("end ref at %d, document length %d\n", pos, m.Len())
		}
	}

	checks()
	_, _ = m.InsertTextLocal(0, "say: ", nil)
	checks()
	_, _ = m.RemoveRangeLocal(2, 7)
	checks()
	_, _ = m.InsertTextLocal(m.Len(), "!", nil)
	checks()
}

func TestRefSplitMigration(t *testing.T) {
	m := New("a")
	_, _ = m.InsertTextLocal(0, "abcdef", nil)

	ref, _ := m.AddLocalRef(4)
	_, _ = m.InsertTextLocal(2, "__", nil)

	pos, err := m.RefPosition(ref)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}
	if got, want := pos, 6; got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

// TestSnapshotRoundTrip serializes a document built from 1000 inserts and
// checks the reloaded replica reports byte-identical text.
func TestSnapshotRoundTrip(t *testing.T) {
	m := New("a")
	seq := &sequencer{}

	for i := 0; i < 1000; i++ {
		op, err := m.InsertTextLocal(m.Len(), fmt.Sprintf("%d ", i), nil)
		if err != nil {
			t.Fatalf("error: %v\n", err)
		}
		seq.ack(t, m, op, seq.seq)
	}
	_, _ = m.InsertMarkerLocal(0, commons.MarkerDef{RefType: int(RefTile), ID: "", Props: map[string]interface{}{"kind": "paragraph"}})

	tree, err := m.Snapshot()
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}

	loaded, err := Load("b", tree)
	if err != nil {
		t.Fatalf("error: %v\n", err)
	}

	if got, want := loaded.Text(), m.Text(); got != want {
		t.Errorf("round-trip text mismatch; diff = %v\n", cmp.Diff(got, want))
	}
	if got, want := loaded.Len(), m.Len(); got != want {
		t.Errorf("got != want; got = %v, expected = %v\n", got, want)
	}
}

func TestLoadMalformedSnapshot(t *testing.T) {
	tree := &commons.SnapshotTree{}
	tree.AddBlob("header", "not base64!!", commons.Base64Encoding)

	if _, err := Load("a", tree); err == nil {
		t.Errorf("expected load error for malformed snapshot\n")
	}
}
