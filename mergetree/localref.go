package mergetree

// refKind tags the two variants of a local reference. The end-of-document
// variant is deliberately explicit; there is no sentinel segment.
type refKind int

const (
	refSegment refKind = iota
	refEndOfDocument
)

// LocalReference is a position-stable anchor into the merge tree. While bound
// to a segment it tracks (segment, offset); when that segment is removed the
// reference slides to the start of the next live segment, or becomes the
// end-of-document variant when nothing follows. The end-of-document variant
// always reports a position equal to the current document length.
type LocalReference struct {
	kind    refKind
	segment *Segment
	offset  int
}

// AtEnd reports whether the reference is the end-of-document variant.
func (r *LocalReference) AtEnd() bool {
	return r.kind == refEndOfDocument
}

// Segment returns the bound segment, or nil for the end-of-document variant.
func (r *LocalReference) Segment() *Segment {
	if r.kind == refEndOfDocument {
		return nil
	}
	return r.segment
}

// Offset returns the offset within the bound segment.
func (r *LocalReference) Offset() int {
	return r.offset
}

// bind attaches the reference to a segment at the given offset.
func (r *LocalReference) bind(seg *Segment, offset int) {
	r.kind = refSegment
	r.segment = seg
	r.offset = offset
	seg.refs = append(seg.refs, r)
}

// unbind detaches the reference from its segment, if any.
func (r *LocalReference) unbind() {
	if r.kind != refSegment || r.segment == nil {
		return
	}
	refs := r.segment.refs
	for i, other := range refs {
		if other == r {
			r.segment.refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	r.segment = nil
}

// toEnd converts the reference into the end-of-document variant.
func (r *LocalReference) toEnd() {
	r.unbind()
	r.kind = refEndOfDocument
	r.offset = 0
}
