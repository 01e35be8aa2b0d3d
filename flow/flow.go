// Package flow composes the merge tree and the session into document-level
// structural operations: paragraphs, line breaks, inclusions, tag ranges, and
// property annotation. Structure is expressed purely as marker segments
// carrying a distinguishing label in their property set; the store knows no
// node types.
package flow

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/commons"
	"github.com/weftlabs/weft/mergetree"
	"github.com/weftlabs/weft/session"
)

// Property keys and marker kind labels.
const (
	PropKind      = "kind"
	PropTag       = "tag"
	PropReference = "ref"

	KindParagraph = "paragraph"
	KindLineBreak = "lineBreak"
	KindInclusion = "inclusion"
)

// Marker id prefixes pairing a tag range's boundaries. Both sides share the
// suffix after the prefix.
const (
	beginPrefix = "begin-"
	endPrefix   = "end-"
)

// Document is the flow-document façade over one replica's merge tree.
type Document struct {
	tree *mergetree.MergeTree
	sess *session.Session
}

// NewDocument wraps a merge tree and its session.
func NewDocument(tree *mergetree.MergeTree, sess *session.Session) *Document {
	return &Document{tree: tree, sess: sess}
}

// Tree exposes the underlying merge tree.
func (d *Document) Tree() *mergetree.MergeTree {
	return d.tree
}

// Text returns the current document text.
func (d *Document) Text() string {
	return d.tree.Text()
}

// Len returns the current document length, markers included.
func (d *Document) Len() int {
	return d.tree.Len()
}

// submit forwards an optimistically-applied operation for sequencing. While
// the session is local or disconnected the edit stays in memory and the
// caller gets the submission error.
func (d *Document) submit(op commons.Op, err error) (*session.Outcome, error) {
	if err != nil {
		return nil, err
	}
	outcome, err := d.sess.Submit(op)
	if err != nil {
		d.tree.DropLastPending()
		return nil, err
	}
	return outcome, nil
}

// InsertText inserts a text run at pos.
func (d *Document) InsertText(pos int, text string) (*session.Outcome, error) {
	return d.submit(d.tree.InsertTextLocal(pos, text, nil))
}

// InsertParagraph inserts a paragraph marker at pos.
func (d *Document) InsertParagraph(pos int) (*session.Outcome, error) {
	return d.insertTile(pos, KindParagraph, nil)
}

// InsertLineBreak inserts a line-break marker at pos.
func (d *Document) InsertLineBreak(pos int) (*session.Outcome, error) {
	return d.insertTile(pos, KindLineBreak, nil)
}

// InsertInclusion inserts an inclusion-point marker at pos referencing an
// external component by identifier.
func (d *Document) InsertInclusion(pos int, ref string) (*session.Outcome, error) {
	return d.insertTile(pos, KindInclusion, map[string]interface{}{PropReference: ref})
}

func (d *Document) insertTile(pos int, kind string, extra map[string]interface{}) (*session.Outcome, error) {
	props := map[string]interface{}{PropKind: kind}
	for k, v := range extra {
		props[k] = v
	}
	def := commons.MarkerDef{
		RefType: int(mergetree.RefTile | mergetree.RefSlideOnRemove),
		Props:   props,
	}
	return d.submit(d.tree.InsertMarkerLocal(pos, def))
}

// InsertTagRange wraps [start, end) in a begin/end marker pair labeled with
// the tag. The end marker is inserted first so the begin insertion cannot
// shift its position. Returns the pair's marker ids.
func (d *Document) InsertTagRange(start, end int, tag string) (beginID, endID string, err error) {
	if start > end || start < 0 || end > d.tree.Len() {
		return "", "", mergetree.ErrPositionOutOfBounds
	}
	suffix := uuid.NewString()
	beginID = beginPrefix + suffix
	endID = endPrefix + suffix

	endDef := commons.MarkerDef{
		RefType: int(mergetree.RefRangeEnd),
		ID:      endID,
		Props:   map[string]interface{}{PropTag: tag},
	}
	if _, err := d.submit(d.tree.InsertMarkerLocal(end, endDef)); err != nil {
		return "", "", err
	}
	beginDef := commons.MarkerDef{
		RefType: int(mergetree.RefRangeBegin),
		ID:      beginID,
		Props:   map[string]interface{}{PropTag: tag},
	}
	if _, err := d.submit(d.tree.InsertMarkerLocal(start, beginDef)); err != nil {
		return "", "", err
	}
	return beginID, endID, nil
}

// Annotate merges CSS-like properties into the content covering [start, end).
func (d *Document) Annotate(start, end int, props map[string]interface{}) (*session.Outcome, error) {
	return d.submit(d.tree.AnnotateRangeLocal(start, end, props))
}

// GetTags returns the tags of every range open at pos, outermost first. An
// out-of-bounds position has no open ranges.
func (d *Document) GetTags(pos int) []string {
	if pos < 0 || pos > d.tree.Len() {
		return nil
	}
	type openTag struct {
		suffix string
		tag    string
	}
	var open []openTag
	// Bounds were checked above; the walk cannot fail.
	_ = d.tree.MapRange(0, pos, func(seg *mergetree.Segment, from, to int) bool {
		switch {
		case seg.HasRefType(mergetree.RefRangeBegin):
			tag, _ := seg.Properties[PropTag].(string)
			open = append(open, openTag{suffix: strings.TrimPrefix(seg.MarkerID, beginPrefix), tag: tag})
		case seg.HasRefType(mergetree.RefRangeEnd):
			suffix := strings.TrimPrefix(seg.MarkerID, endPrefix)
			for i, o := range open {
				if o.suffix == suffix {
					open = append(open[:i], open[i+1:]...)
					break
				}
			}
		}
		return true
	})
	tags := make([]string, 0, len(open))
	for _, o := range open {
		tags = append(tags, o.tag)
	}
	return tags
}

// RemoveRange removes [start, end), symmetrically extending the removal
// across tag-range pairs: when only one side of a begin/end pair falls inside
// the range, the partner marker is removed too (as its own single-position
// sub-removal; the content between the range and the partner is untouched).
// All sub-removals travel as one atomic group, ordered by descending position
// so earlier removals don't shift the offsets of later ones.
func (d *Document) RemoveRange(start, end int) (*session.Outcome, error) {
	ranges, err := d.removalRanges(start, end)
	if err != nil {
		return nil, err
	}
	return d.submit(d.tree.RemoveRangesLocal(ranges))
}

func (d *Document) removalRanges(start, end int) ([]mergetree.Range, error) {
	if start >= end || start < 0 || end > d.tree.Len() {
		return nil, mergetree.ErrInvalidRange
	}
	ranges := []mergetree.Range{{Start: start, End: end}}
	err := d.tree.MapRange(start, end, func(seg *mergetree.Segment, from, to int) bool {
		if !seg.HasRefType(mergetree.RefRangeBegin) && !seg.HasRefType(mergetree.RefRangeEnd) {
			return true
		}
		partner := d.tree.FindMarker(partnerID(seg.MarkerID))
		if partner == nil {
			return true
		}
		pos, err := d.tree.GetOffset(partner)
		if err != nil {
			return true
		}
		if pos < start || pos >= end {
			ranges = append(ranges, mergetree.Range{Start: pos, End: pos + 1})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start > ranges[j].Start })
	return ranges, nil
}

// partnerID derives the matching marker id of the other side of a pair.
func partnerID(id string) string {
	if strings.HasPrefix(id, beginPrefix) {
		return endPrefix + strings.TrimPrefix(id, beginPrefix)
	}
	return beginPrefix + strings.TrimPrefix(id, endPrefix)
}

//////////////////////////////////
// Sequenced message application
//////////////////////////////////

// ApplyRemote applies another client's sequenced document operation.
func (d *Document) ApplyRemote(msg commons.SequencedMessage) error {
	return d.tree.ApplyRemote(msg)
}

// ApplyAck stamps this client's own sequenced operation.
func (d *Document) ApplyAck(msg commons.SequencedMessage) error {
	d.tree.AckLocal(msg)
	return nil
}

// Resubmit regenerates a nacked operation against current local state.
func (d *Document) Resubmit(msg commons.SequencedMessage) []commons.Op {
	return d.tree.NackLocal()
}
