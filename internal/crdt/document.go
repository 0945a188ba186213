// Package crdt wraps automerge documents holding a single collaborative text.
//
// States and updates travel as opaque byte slices. A state is the saved form
// of a whole document; an update is any saved or incrementally saved chunk
// produced by a client replica. Merging is delegated to automerge, so applying
// the same set of updates in any order yields the same document.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// TextKey is the root map key holding the document text.
const TextKey = "content"

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedState indicates that a stored state could not be decoded.
	ErrMalformedState = errors.New("crdt: malformed state")
	// ErrUnexpectedContent indicates that the text key holds a non-text value.
	ErrUnexpectedContent = errors.New("crdt: unexpected content value")
)

// automerge chunk header.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

// Merge applies update to state and returns the saved merged state.
// An empty state is treated as a fresh document. On error the caller keeps
// its previous state.
func Merge(state, update []byte) ([]byte, error) {
	replica, err := NewReplica(state)
	if err != nil {
		return nil, err
	}
	if err := replica.Apply(update); err != nil {
		return nil, err
	}
	return replica.State(), nil
}

// DecodeText extracts the document text from a saved state.
func DecodeText(state []byte) (string, error) {
	if len(state) == 0 {
		return "", nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return readText(doc)
}

// EncodeInitialState builds a fresh state whose text equals text.
func EncodeInitialState(text string) ([]byte, error) {
	doc := automerge.New()
	if err := doc.Path(TextKey).Set(automerge.NewText(text)); err != nil {
		return nil, fmt.Errorf("crdt: seed text: %w", err)
	}
	if _, err := doc.Commit("seed"); err != nil {
		return nil, fmt.Errorf("crdt: commit seed: %w", err)
	}
	return doc.Save(), nil
}

// ValidateUpdate performs the cheap structural checks applied to every update.
func ValidateUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	if !bytes.HasPrefix(update, chunkMagic) {
		return fmt.Errorf("%w: missing chunk header", ErrMalformedUpdate)
	}
	return nil
}

// Replica is a live document held in memory. It is not safe for concurrent
// use; callers serialize access.
type Replica struct {
	doc *automerge.Doc
}

// NewReplica loads a replica from a saved state; an empty state starts blank.
func NewReplica(state []byte) (*Replica, error) {
	if len(state) == 0 {
		return &Replica{doc: automerge.New()}, nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return &Replica{doc: doc}, nil
}

// Apply merges update into the replica. The update is applied to a fork
// first so that a failing payload leaves the replica untouched. Every change
// carried by the update must be part of the replica afterwards; a payload
// that decodes to nothing, or whose changes cannot be integrated, is
// rejected.
func (r *Replica) Apply(update []byte) error {
	if err := ValidateUpdate(update); err != nil {
		return err
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if len(changes) == 0 {
		return fmt.Errorf("%w: no changes", ErrMalformedUpdate)
	}
	fork, err := r.doc.Fork()
	if err != nil {
		return fmt.Errorf("crdt: fork replica: %w", err)
	}
	if err := fork.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, change := range changes {
		if _, err := fork.Change(change.Hash()); err != nil {
			return fmt.Errorf("%w: change %s not integrated: %v", ErrMalformedUpdate, change.Hash(), err)
		}
	}
	r.doc = fork
	return nil
}

// State returns the saved form of the replica.
func (r *Replica) State() []byte {
	return r.doc.Save()
}

// Empty reports whether the replica holds no changes.
func (r *Replica) Empty() bool {
	return len(r.doc.Heads()) == 0
}

// Text returns the current document text.
func (r *Replica) Text() (string, error) {
	return readText(r.doc)
}

// Heads returns the sorted change hashes at the tip of the replica.
func (r *Replica) Heads() []string {
	heads := r.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, head := range heads {
		out = append(out, head.String())
	}
	sort.Strings(out)
	return out
}

func readText(doc *automerge.Doc) (string, error) {
	value, err := doc.Path(TextKey).Get()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	switch value.Kind() {
	case automerge.KindVoid:
		return "", nil
	case automerge.KindText:
		return value.Text().Get()
	case automerge.KindStr:
		return value.Str(), nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnexpectedContent, value.Kind())
	}
}
