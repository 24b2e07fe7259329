package natsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePath(t *testing.T) {
	assert.Equal(t, "rooms.r1", encodePath("rooms/r1"))
	assert.Equal(t, "rooms.r1.cards.c1", encodePath("rooms/r1/cards/c1"))
}

func TestEncodeSegmentEscapesUnsafeBytes(t *testing.T) {
	assert.Equal(t, "sprint-42_retro", encodeSegment("sprint-42_retro"), "safe bytes pass through")
	assert.Equal(t, "a=2Eb", encodeSegment("a.b"), "dots collide with the KV key separator")
	assert.Equal(t, "=2A", encodeSegment("*"))
	assert.Equal(t, "sprint=2042", encodeSegment("sprint 42"))
}

func TestSegmentRoundtrip(t *testing.T) {
	for _, seg := range []string{
		"plain",
		"with space",
		"dots.and.stars*",
		"unicode-κ",
		"=already=escaped",
	} {
		assert.Equal(t, seg, decodeSegment(encodeSegment(seg)), "segment %q", seg)
	}
}

func TestDecodeSegmentTolerance(t *testing.T) {
	// Truncated or malformed escapes decode literally instead of erroring;
	// keys only ever come from encodeSegment so this is belt-and-braces.
	assert.Equal(t, "a=", decodeSegment("a="))
	assert.Equal(t, "a=Z9", decodeSegment("a=Z9"))
}

func TestMutateSetAdd(t *testing.T) {
	doc := map[string]any{"votedBy": []any{"p1"}}

	require.NoError(t, mutateSet(doc, "votedBy", "p2", true))
	assert.Equal(t, []any{"p1", "p2"}, doc["votedBy"])

	// Present value: no duplicate.
	require.NoError(t, mutateSet(doc, "votedBy", "p2", true))
	assert.Equal(t, []any{"p1", "p2"}, doc["votedBy"])
}

func TestMutateSetRemove(t *testing.T) {
	doc := map[string]any{"votedBy": []any{"p1", "p2", "p3"}}

	require.NoError(t, mutateSet(doc, "votedBy", "p2", false))
	assert.Equal(t, []any{"p1", "p3"}, doc["votedBy"])

	// Absent value: no-op.
	require.NoError(t, mutateSet(doc, "votedBy", "p9", false))
	assert.Equal(t, []any{"p1", "p3"}, doc["votedBy"])
}

func TestMutateSetMissingField(t *testing.T) {
	doc := map[string]any{}

	require.NoError(t, mutateSet(doc, "votedBy", "p1", true))
	assert.Equal(t, []any{"p1"}, doc["votedBy"])

	require.NoError(t, mutateSet(doc, "other", "p1", false))
	_, ok := doc["other"]
	assert.False(t, ok, "removing from an absent field stays absent")
}
