package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uber/jetstream-go/fragment"
)

func TestEncodeDecodeSingleMessage(t *testing.T) {
	m := NewSessionCreate(1)
	raw, err := Encode(m)
	require.NoError(t, err)

	batch, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, TypeSessionCreate, batch[0].Type)
	require.Equal(t, int64(1), batch[0].Index)
	require.Equal(t, ProtocolVersion, batch[0].Version)
}

func TestEncodeDecodeBatch(t *testing.T) {
	msgs := []Message{NewPing(2, 1, false), NewPing(3, 1, true)}
	raw, err := EncodeBatch(msgs)
	require.NoError(t, err)

	batch, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.True(t, batch[1].ResendMissing)
}

func TestScopeStateRoundTrip(t *testing.T) {
	root := fragment.Fragment{Type: fragment.TypeRoot, ObjectUUID: uuid.New(), ClassName: "Root"}
	syncs := []fragment.Fragment{{Type: fragment.TypeAdd, ObjectUUID: uuid.New(), ClassName: "Shape"}}
	m := NewScopeState(5, 1, root, syncs)

	raw, err := Encode(m)
	require.NoError(t, err)
	batch, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].RootFragment)
	require.Equal(t, root.ObjectUUID, batch[0].RootFragment.ObjectUUID)
	require.Len(t, batch[0].SyncFragments, 1)
	require.NotNil(t, batch[0].ScopeIndex)
	require.Equal(t, 1, *batch[0].ScopeIndex)
}

func TestScopeFetchReplyShapes(t *testing.T) {
	ok := NewScopeFetchSuccess(2, 7)
	require.Equal(t, TypeReply, ok.Type)
	require.True(t, *ok.Result)
	require.Equal(t, 7, *ok.ScopeIndex)

	fail := NewScopeFetchFailure(2, 4096, "denied")
	require.False(t, *fail.Result)
	require.Equal(t, 4096, fail.Error.Code)
}
