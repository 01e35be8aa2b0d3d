package commons

// TreeEntryType distinguishes blob entries from subtrees.
type TreeEntryType string

const (
	BlobEntry TreeEntryType = "Blob"
	TreeEntry TreeEntryType = "Tree"
)

// File modes mirror git tree object modes so a snapshot tree can be persisted
// as one by an external storage collaborator.
const (
	FileMode      = "100644"
	DirectoryMode = "040000"
)

// BlobEncoding tags how a blob's Contents bytes are to be interpreted.
type BlobEncoding string

const (
	UTF8Encoding   BlobEncoding = "utf-8"
	Base64Encoding BlobEncoding = "base64"
)

// Blob is an opaque serialized value inside a snapshot tree.
type Blob struct {
	Contents string       `json:"contents"`
	Encoding BlobEncoding `json:"encoding"`
}

// SnapshotEntry is one named entry in a snapshot tree: either a blob or a
// nested subtree.
type SnapshotEntry struct {
	Path string        `json:"path"`
	Type TreeEntryType `json:"type"`
	Mode string        `json:"mode"`

	Blob *Blob         `json:"blob,omitempty"`
	Tree *SnapshotTree `json:"tree,omitempty"`
}

// SnapshotTree is an ordered list of named entries.
type SnapshotTree struct {
	Entries []SnapshotEntry `json:"entries"`
}

// AddBlob appends a blob entry and returns the tree for chaining.
func (t *SnapshotTree) AddBlob(path string, contents string, encoding BlobEncoding) *SnapshotTree {
	t.Entries = append(t.Entries, SnapshotEntry{
		Path: path,
		Type: BlobEntry,
		Mode: FileMode,
		Blob: &Blob{Contents: contents, Encoding: encoding},
	})
	return t
}

// AddTree appends a subtree entry and returns the new subtree.
func (t *SnapshotTree) AddTree(path string) *SnapshotTree {
	sub := &SnapshotTree{}
	t.Entries = append(t.Entries, SnapshotEntry{
		Path: path,
		Type: TreeEntry,
		Mode: DirectoryMode,
		Tree: sub,
	})
	return sub
}

// Find returns the entry with the given path, or nil.
func (t *SnapshotTree) Find(path string) *SnapshotEntry {
	for i := range t.Entries {
		if t.Entries[i].Path == path {
			return &t.Entries[i]
		}
	}
	return nil
}
