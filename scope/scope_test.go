package scope

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/fragment"
	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/jlog"
	"github.com/uber/jetstream-go/model"
)

func newTestScope(t *testing.T) (*Scope, *model.Registry, chan []fragment.Fragment) {
	t.Helper()
	reg := model.NewRegistry()
	shape := model.NewSchema("Shape")
	shape.Property("x", codec.TagInt)
	shape.Property("color", codec.TagInt)
	reg.Register(shape)

	root := model.NewSchema("Root")
	root.Property("child", codec.TagRef)
	root.Property("children", codec.TagArrayRefs)
	reg.Register(root)

	s := New("test", reg, jlog.Noop())
	ch := make(chan []fragment.Fragment, 64)
	s.flushNow = func(fn func()) { fn() } // synchronous flush for deterministic tests
	s.ObserveChanges(func(frags []fragment.Fragment) { ch <- frags })
	return s, reg, ch
}

func TestAttachRootEmitsRootAndAdd(t *testing.T) {
	s, reg, ch := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")
	root := model.New(rootSchema)

	s.AttachRoot(root)

	frags := <-ch
	require.Len(t, frags, 2)
	require.Equal(t, fragment.TypeRoot, frags[0].Type)
	require.Equal(t, fragment.TypeAdd, frags[1].Type)
	require.Equal(t, root.UUID(), frags[1].ObjectUUID)
}

func TestCoalescingOneFragmentPerTick(t *testing.T) {
	s, reg, ch := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")
	shapeSchema, _ := reg.Lookup("Shape")
	root := model.New(rootSchema)
	shape := model.New(shapeSchema)
	require.NoError(t, root.Set("child", shape))
	s.AttachRoot(root)
	<-ch // drain the initial root+add batch

	// Hold the deferred flush instead of running it at once, so both
	// writes below land in the same tick; Flush then plays the timer.
	s.flushNow = func(func()) {}
	require.NoError(t, shape.Set("x", int64(1)))
	require.NoError(t, shape.Set("color", int64(2)))
	s.Flush()

	frags := <-ch
	require.Len(t, frags, 1)
	require.Equal(t, fragment.TypeChange, frags[0].Type)
	require.Len(t, frags[0].Properties, 2)
}

func TestDetachUnreachableObjectFiresDetach(t *testing.T) {
	s, reg, ch := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")
	shapeSchema, _ := reg.Lookup("Shape")
	root := model.New(rootSchema)
	shape := model.New(shapeSchema)
	require.NoError(t, root.Set("child", shape))
	s.AttachRoot(root)
	<-ch

	var detached bool
	shape.OnDetach("k", func(model.DetachEvent) { detached = true })

	require.NoError(t, root.Set("child", (*model.ModelObject)(nil)))
	<-ch // the change to root.child

	require.True(t, detached)
	_, ok := s.GetObjectByUUID(shape.UUID())
	require.False(t, ok)
}

func TestApplyRootFragmentInstallsRootAndExtras(t *testing.T) {
	s, reg, _ := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")
	shapeSchema, _ := reg.Lookup("Shape")
	shapeObj := model.New(shapeSchema)
	require.NoError(t, shapeObj.Set("x", int64(10)))
	addFrag, err := fragment.BuildAdd(shapeObj)
	require.NoError(t, err)

	rootObj := model.New(rootSchema)
	rootFrag := fragment.BuildRoot(rootObj)

	err = s.ApplyRootFragment(rootFrag, []fragment.Fragment{addFrag})
	require.NoError(t, err)
	require.Equal(t, rootObj.UUID(), s.Root().UUID())

	shape, ok := s.GetObjectByUUID(shapeObj.UUID())
	require.True(t, ok)
	x, err := shape.Get("x")
	require.NoError(t, err)
	require.Equal(t, int64(10), x)
}

func TestApplySyncFragmentsReassignsRoot(t *testing.T) {
	s, reg, _ := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")

	firstRoot := model.New(rootSchema)
	require.NoError(t, s.ApplyRootFragment(fragment.BuildRoot(firstRoot), nil))
	require.Equal(t, firstRoot.UUID(), s.Root().UUID())

	// A mid-session root reassignment arrives as a root-type fragment
	// inside an ordinary ScopeSync batch, not via ApplyRootFragment.
	secondRoot := model.New(rootSchema)
	err := s.ApplySyncFragments([]fragment.Fragment{fragment.BuildRoot(secondRoot)})
	require.NoError(t, err)
	require.Equal(t, secondRoot.UUID(), s.Root().UUID())
}

func TestRemoteApplyNeverProducesOutboundFragments(t *testing.T) {
	s, reg, ch := newTestScope(t)
	rootSchema, _ := reg.Lookup("Root")
	rootObj := model.New(rootSchema)
	rootFrag := fragment.BuildRoot(rootObj)

	require.NoError(t, s.ApplyRootFragment(rootFrag, nil))

	select {
	case frags := <-ch:
		t.Fatalf("remote apply must not produce outbound fragments, got %v", frags)
	default:
	}
}

func TestObjectAlreadyInAnotherScopeIsNotAdopted(t *testing.T) {
	a, reg, chA := newTestScope(t)
	b := New("other", reg, jlog.Noop())
	b.flushNow = func(fn func()) { fn() }
	chB := make(chan []fragment.Fragment, 64)
	b.ObserveChanges(func(frags []fragment.Fragment) { chB <- frags })

	rootSchema, _ := reg.Lookup("Root")
	shapeSchema, _ := reg.Lookup("Shape")

	rootA := model.New(rootSchema)
	shape := model.New(shapeSchema)
	require.NoError(t, rootA.Set("child", shape))
	a.AttachRoot(rootA)
	<-chA // root+add for scope a, binds shape to a

	rootB := model.New(rootSchema)
	require.NoError(t, rootB.Set("child", shape))
	b.AttachRoot(rootB)

	frags := <-chB
	require.Equal(t, fragment.TypeRoot, frags[0].Type)
	require.Len(t, frags, 2, "only rootB's root and add; shape must not be adopted into scope b while still owned by scope a")
	require.Equal(t, rootB.UUID(), frags[1].ObjectUUID)

	_, ok := b.GetObjectByUUID(shape.UUID())
	require.False(t, ok)
}

func TestObjectLookupByUUIDReturnsErrObjectUnknown(t *testing.T) {
	s, _, _ := newTestScope(t)
	_, err := s.Object(uuid.New())
	require.ErrorIs(t, err, jetserr.ErrObjectUnknown)
}

func TestUnpairedEndApplyingRemoteIsFatal(t *testing.T) {
	s, _, _ := newTestScope(t)
	err := s.EndApplyingRemote()
	require.ErrorIs(t, err, jetserr.ErrUnpairedRemoteApply)
}
