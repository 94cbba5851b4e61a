package codec

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []struct {
		tag Tag
		v   any
	}{
		{TagInt, int64(42)},
		{TagFloat, float64(3.5)},
		{TagBool, true},
		{TagString, "hello"},
		{TagDate, time.Unix(1700000000, 0).UTC()},
		{TagColor, Color(0xAABBCCDD)},
	}
	for _, c := range cases {
		raw, err := Encode(c.tag, c.v)
		require.NoError(t, err)
		got, err := Decode(c.tag, raw)
		require.NoError(t, err)
		require.Equal(t, c.v, got)
	}
}

func TestRoundTripRefs(t *testing.T) {
	id := uuid.New()
	raw, err := Encode(TagRef, id)
	require.NoError(t, err)
	got, err := Decode(TagRef, raw)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestRoundTripEmptyArrayOfRefs(t *testing.T) {
	raw, err := Encode(TagArrayRefs, []uuid.UUID{})
	require.NoError(t, err)
	require.Equal(t, "[]", string(raw))

	got, err := Decode(TagArrayRefs, raw)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{}, got)
}

func TestUnknownTagNotKnown(t *testing.T) {
	require.False(t, Tag("nonsense").Known())
	require.True(t, TagArrayRefs.IsCollection())
	require.True(t, TagRef.IsReference())
	require.False(t, TagInt.IsReference())
}
