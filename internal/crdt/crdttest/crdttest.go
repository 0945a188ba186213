// Package crdttest provides client-side editing helpers for tests that need
// realistic CRDT updates.
package crdttest

import (
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"github.com/automerge/automerge-go"
)

// Client mimics an editor replica that starts from a server state.
type Client struct {
	t   testing.TB
	doc *automerge.Doc
}

// NewClient loads a client replica from state; an empty state starts blank.
func NewClient(t testing.TB, state []byte) *Client {
	t.Helper()
	if len(state) == 0 {
		return &Client{t: t, doc: automerge.New()}
	}
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("failed to load client replica: %v", err)
	}
	return &Client{t: t, doc: doc}
}

// Splice edits the client text and returns the update to send to the server.
func (c *Client) Splice(pos, del int, insert string) []byte {
	c.t.Helper()
	value, err := c.doc.Path(crdt.TextKey).Get()
	if err != nil {
		c.t.Fatalf("failed to read text: %v", err)
	}
	if value.Kind() == automerge.KindVoid {
		if err := c.doc.Path(crdt.TextKey).Set(automerge.NewText("")); err != nil {
			c.t.Fatalf("failed to create text: %v", err)
		}
	}
	if err := c.doc.Path(crdt.TextKey).Text().Splice(pos, del, insert); err != nil {
		c.t.Fatalf("failed to splice text: %v", err)
	}
	if _, err := c.doc.Commit("edit"); err != nil {
		c.t.Fatalf("failed to commit edit: %v", err)
	}
	return c.doc.Save()
}

// Receive merges a remote update into the client replica.
func (c *Client) Receive(update []byte) {
	c.t.Helper()
	if err := c.doc.LoadIncremental(update); err != nil {
		c.t.Fatalf("failed to receive update: %v", err)
	}
}

// Text returns the client's view of the document text.
func (c *Client) Text() string {
	c.t.Helper()
	text, err := crdt.DecodeText(c.doc.Save())
	if err != nil {
		c.t.Fatalf("failed to decode client text: %v", err)
	}
	return text
}

// Seed returns a state holding text, failing the test on error.
func Seed(t testing.TB, text string) []byte {
	t.Helper()
	state, err := crdt.EncodeInitialState(text)
	if err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}
	return state
}
