package mergetree

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/commons"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

// headerSegmentLimit bounds how many of the most recent segments go into the
// top-level header blob; everything older is chunked under content/.
const headerSegmentLimit = 100

// persistedSegment is the serialized form of one live segment. Exactly one of
// Text or Marker is set.
type persistedSegment struct {
	Text     string                 `json:"text,omitempty"`
	Marker   *commons.MarkerDef     `json:"marker,omitempty"`
	Props    map[string]interface{} `json:"props,omitempty"`
	Seq      int                    `json:"seq"`
	ClientID string                 `json:"client"`
}

// segmentChunk is the JSON payload of one snapshot blob.
type segmentChunk struct {
	SequenceNumber int                `json:"sequenceNumber,omitempty"`
	Segments       []persistedSegment `json:"segments"`
}

// Snapshot serializes the live document into a snapshot tree: a "header" blob
// holding the most recent segments plus a "content" subtree with "header" and
// "tardis" blobs chunking the older history. Tombstones are summarized away;
// reloading reproduces identical text and markers, not identical tombstones.
func (m *MergeTree) Snapshot() (*commons.SnapshotTree, error) {
	v := m.localView()
	var all []persistedSegment
	for _, seg := range m.segments {
		if !seg.visibleIn(v) {
			continue
		}
		p := persistedSegment{
			Props:    cloneProps(seg.Properties),
			Seq:      seg.Seq,
			ClientID: seg.ClientID,
		}
		if p.Seq == commons.UnassignedSequenceNumber {
			// Snapshots capture sequenced state; a not-yet-acknowledged
			// segment is persisted as of the current sequence number.
			p.Seq = m.seq
		}
		if seg.IsMarker() {
			p.Marker = &commons.MarkerDef{RefType: int(seg.RefType), ID: seg.MarkerID}
		} else {
			p.Text = seg.Text
		}
		all = append(all, p)
	}

	// Document order: content/header ++ content/tardis ++ header.
	recentAt := len(all) - headerSegmentLimit
	if recentAt < 0 {
		recentAt = 0
	}
	older, recent := all[:recentAt], all[recentAt:]
	mid := len(older) / 2

	tree := &commons.SnapshotTree{}
	header, err := encodeChunk(segmentChunk{SequenceNumber: m.seq, Segments: recent})
	if err != nil {
		return nil, err
	}
	tree.AddBlob("header", header, commons.Base64Encoding)

	content := tree.AddTree("content")
	contentHeader, err := encodeChunk(segmentChunk{Segments: older[:mid]})
	if err != nil {
		return nil, err
	}
	content.AddBlob("header", contentHeader, commons.Base64Encoding)
	tardis, err := encodeChunk(segmentChunk{Segments: older[mid:]})
	if err != nil {
		return nil, err
	}
	content.AddBlob("tardis", tardis, commons.Base64Encoding)

	return tree, nil
}

// Load reconstructs a merge tree for the given client from a snapshot tree.
// Any inconsistency in the tree shape is fatal; there is no partial load.
func Load(clientID string, tree *commons.SnapshotTree) (*MergeTree, error) {
	headerEntry := tree.Find("header")
	if headerEntry == nil || headerEntry.Blob == nil {
		return nil, fmt.Errorf("%w: missing header blob", ErrMalformedSnapshot)
	}
	header, err := decodeChunk(headerEntry.Blob)
	if err != nil {
		return nil, err
	}

	contentEntry := tree.Find("content")
	if contentEntry == nil || contentEntry.Tree == nil {
		return nil, fmt.Errorf("%w: missing content subtree", ErrMalformedSnapshot)
	}
	var older []persistedSegment
	for _, name := range []string{"header", "tardis"} {
		e := contentEntry.Tree.Find(name)
		if e == nil || e.Blob == nil {
			return nil, fmt.Errorf("%w: missing content/%s blob", ErrMalformedSnapshot, name)
		}
		chunk, err := decodeChunk(e.Blob)
		if err != nil {
			return nil, err
		}
		older = append(older, chunk.Segments...)
	}

	m := New(clientID)
	m.seq = header.SequenceNumber
	for _, p := range append(older, header.Segments...) {
		var seg *Segment
		switch {
		case p.Marker != nil && p.Text != "":
			return nil, fmt.Errorf("%w: segment is both text and marker", ErrMalformedSnapshot)
		case p.Marker != nil:
			seg = NewMarkerSegment(*p.Marker, p.ClientID)
		case p.Text != "":
			seg = NewTextSegment(p.Text, p.ClientID, nil)
		default:
			return nil, fmt.Errorf("%w: empty segment", ErrMalformedSnapshot)
		}
		seg.Properties = p.Props
		seg.Seq = p.Seq
		m.segments = append(m.segments, seg)
		if seg.MarkerID != "" {
			m.ids[seg.MarkerID] = seg
		}
	}
	return m, nil
}

func encodeChunk(c segmentChunk) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeChunk(b *commons.Blob) (segmentChunk, error) {
	var raw []byte
	switch b.Encoding {
	case commons.Base64Encoding:
		decoded, err := base64.StdEncoding.DecodeString(b.Contents)
		if err != nil {
			return segmentChunk{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
		}
		raw = decoded
	case commons.UTF8Encoding:
		raw = []byte(b.Contents)
	default:
		return segmentChunk{}, fmt.Errorf("%w: unknown blob encoding %q", ErrMalformedSnapshot, b.Encoding)
	}
	var c segmentChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return segmentChunk{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return c, nil
}
