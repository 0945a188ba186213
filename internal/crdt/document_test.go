package crdt_test

import (
	"testing"

	"github.com/MarcoPoloResearchLab/quire/internal/crdt"
	"github.com/MarcoPoloResearchLab/quire/internal/crdt/crdttest"
	"github.com/stretchr/testify/require"
)

func TestEncodeInitialStateRoundTripsText(t *testing.T) {
	state, err := crdt.EncodeInitialState("Hello")
	require.NoError(t, err)

	text, err := crdt.DecodeText(state)
	require.NoError(t, err)
	require.Equal(t, "Hello", text)
}

func TestDecodeTextOfEmptyStateIsEmpty(t *testing.T) {
	text, err := crdt.DecodeText(nil)
	require.NoError(t, err)
	require.Equal(t, "", text)

	replica, err := crdt.NewReplica(nil)
	require.NoError(t, err)
	require.True(t, replica.Empty())
	text, err = replica.Text()
	require.NoError(t, err)
	require.Equal(t, "", text)
}

func TestMergeConvergesRegardlessOfOrder(t *testing.T) {
	base := crdttest.Seed(t, "Hello")

	updateA := crdttest.NewClient(t, base).Splice(5, 0, " world")
	updateB := crdttest.NewClient(t, base).Splice(0, 0, ">> ")
	updateC := crdttest.NewClient(t, base).Splice(1, 2, "EL")

	orders := [][][]byte{
		{updateA, updateB, updateC},
		{updateA, updateC, updateB},
		{updateB, updateA, updateC},
		{updateB, updateC, updateA},
		{updateC, updateA, updateB},
		{updateC, updateB, updateA},
	}

	var expectedText string
	var expectedHeads []string
	for index, order := range orders {
		state := base
		for _, update := range order {
			merged, err := crdt.Merge(state, update)
			require.NoError(t, err)
			state = merged
		}
		text, err := crdt.DecodeText(state)
		require.NoError(t, err)
		replica, err := crdt.NewReplica(state)
		require.NoError(t, err)

		if index == 0 {
			expectedText = text
			expectedHeads = replica.Heads()
			continue
		}
		require.Equal(t, expectedText, text, "order %d diverged", index)
		require.Equal(t, expectedHeads, replica.Heads(), "order %d heads diverged", index)
	}
	require.Contains(t, expectedText, " world")
	require.Contains(t, expectedText, ">> ")
}

func TestMergeIsIdempotent(t *testing.T) {
	base := crdttest.Seed(t, "Hello")
	update := crdttest.NewClient(t, base).Splice(5, 0, " world")

	once, err := crdt.Merge(base, update)
	require.NoError(t, err)
	twice, err := crdt.Merge(once, update)
	require.NoError(t, err)

	onceText, err := crdt.DecodeText(once)
	require.NoError(t, err)
	twiceText, err := crdt.DecodeText(twice)
	require.NoError(t, err)
	require.Equal(t, "Hello world", onceText)
	require.Equal(t, onceText, twiceText)

	onceReplica, err := crdt.NewReplica(once)
	require.NoError(t, err)
	twiceReplica, err := crdt.NewReplica(twice)
	require.NoError(t, err)
	require.Equal(t, onceReplica.Heads(), twiceReplica.Heads())
}

func TestMergeIntoEmptyStateAcceptsFullDocument(t *testing.T) {
	update := crdttest.NewClient(t, nil).Splice(0, 0, "fresh")

	merged, err := crdt.Merge(nil, update)
	require.NoError(t, err)
	text, err := crdt.DecodeText(merged)
	require.NoError(t, err)
	require.Equal(t, "fresh", text)
}

func TestReplicaRejectsMalformedUpdates(t *testing.T) {
	base := crdttest.Seed(t, "stable")
	replica, err := crdt.NewReplica(base)
	require.NoError(t, err)
	headsBefore := replica.Heads()

	for name, payload := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
		"text":    []byte("not a crdt update"),
	} {
		t.Run(name, func(t *testing.T) {
			err := replica.Apply(payload)
			require.ErrorIs(t, err, crdt.ErrMalformedUpdate)
		})
	}

	text, err := replica.Text()
	require.NoError(t, err)
	require.Equal(t, "stable", text)
	require.Equal(t, headsBefore, replica.Heads())
}

func TestReplicaKeepsTextWhenHeaderIsValidButBodyIsCorrupt(t *testing.T) {
	base := crdttest.Seed(t, "stable")
	replica, err := crdt.NewReplica(base)
	require.NoError(t, err)

	headsBefore := replica.Heads()

	corrupt := []byte{0x85, 0x6f, 0x4a, 0x83, 0xff, 0xff, 0xff, 0xff, 0x00, 0x13}
	require.ErrorIs(t, replica.Apply(corrupt), crdt.ErrMalformedUpdate)

	text, err := replica.Text()
	require.NoError(t, err)
	require.Equal(t, "stable", text)
	require.Equal(t, headsBefore, replica.Heads())

	_, err = crdt.Merge(base, corrupt)
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)
}

func TestReplicaAcceptsAlreadyIntegratedUpdate(t *testing.T) {
	base := crdttest.Seed(t, "stable")
	update := crdttest.NewClient(t, base).Splice(6, 0, "!")

	replica, err := crdt.NewReplica(base)
	require.NoError(t, err)
	require.NoError(t, replica.Apply(update))
	heads := replica.Heads()

	require.NoError(t, replica.Apply(update))
	require.Equal(t, heads, replica.Heads())
	text, err := replica.Text()
	require.NoError(t, err)
	require.Equal(t, "stable!", text)
}

func TestDecodeTextRejectsCorruptState(t *testing.T) {
	_, err := crdt.DecodeText([]byte("definitely not automerge"))
	require.ErrorIs(t, err, crdt.ErrMalformedState)
}
