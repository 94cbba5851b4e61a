package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/jetserr"
)

type fakeHost struct {
	remote   bool
	noted    []string
	deferred []func()
}

func (h *fakeHost) RemoteApplying() bool { return h.remote }
func (h *fakeHost) NoteLocalChange(obj *ModelObject, prop string) {
	h.noted = append(h.noted, prop)
}
func (h *fakeHost) DeferObservation(fn func()) { h.deferred = append(h.deferred, fn) }

func personSchema() *Schema {
	s := NewSchema("Person")
	s.Property("first", codec.TagString)
	s.Property("last", codec.TagString)
	s.DerivedProperty("display", codec.TagString, func(obj *ModelObject) any {
		first, _ := obj.Get("first")
		last, _ := obj.Get("last")
		return first.(string) + " " + last.(string)
	}, "first", "last")
	return s
}

func TestSetFiresPropertyAndCompositeObservers(t *testing.T) {
	schema := personSchema()
	obj := New(schema)
	host := &fakeHost{}
	obj.BindScope(host)

	var seen []string
	obj.OnPropertyChange("listener", func(c PropertyChange) { seen = append(seen, c.Property) })

	require.NoError(t, obj.Set("first", "Ada"))
	require.Equal(t, []string{"first", "display"}, seen)
	require.Equal(t, []string{"first"}, host.noted)

	display, err := obj.Get("display")
	require.NoError(t, err)
	require.Equal(t, "Ada ", display)
}

func TestSetNoopOnEqualScalar(t *testing.T) {
	obj := New(personSchema())
	obj.BindScope(&fakeHost{})
	require.NoError(t, obj.Set("first", "Ada"))

	var fired int
	obj.OnPropertyChange("k", func(PropertyChange) { fired++ })
	require.NoError(t, obj.Set("first", "Ada"))
	require.Equal(t, 0, fired)
}

func TestRemoteApplyDefersObservationAndSkipsCapture(t *testing.T) {
	obj := New(personSchema())
	host := &fakeHost{remote: true}
	obj.BindScope(host)

	var fired bool
	obj.OnPropertyChange("k", func(PropertyChange) { fired = true })
	require.NoError(t, obj.Set("first", "Grace"))

	require.False(t, fired, "observers must not fire mid remote-apply")
	require.Empty(t, host.noted, "remote-apply must not produce outbound capture")
	require.Len(t, host.deferred, 1)

	host.deferred[0]()
	require.True(t, fired)
}

func TestReferenceBackPointers(t *testing.T) {
	parentSchema := NewSchema("Folder")
	parentSchema.Property("item", codec.TagRef)
	childSchema := NewSchema("Item")
	childSchema.Property("name", codec.TagString)

	parent := New(parentSchema)
	child1 := New(childSchema)
	child2 := New(childSchema)

	require.NoError(t, parent.Set("item", child1))
	require.Len(t, child1.Parents(), 1)
	require.Equal(t, parent, child1.Parents()[0].Parent)
	require.Equal(t, "item", child1.Parents()[0].Property)

	require.NoError(t, parent.Set("item", child2))
	require.Len(t, child1.Parents(), 0, "replacing the ref removes exactly one back-link")
	require.Len(t, child2.Parents(), 1)
}

func TestCollectionBackPointersAndObserver(t *testing.T) {
	listSchema := NewSchema("List")
	listSchema.Property("items", codec.TagArrayRefs)
	itemSchema := NewSchema("Item")

	list := New(listSchema)
	a, b, c := New(itemSchema), New(itemSchema), New(itemSchema)

	var changes []CollectionChange
	list.OnCollectionChange("k", func(ch CollectionChange) { changes = append(changes, ch) })

	require.NoError(t, list.Set("items", []*ModelObject{a, b}))
	require.Len(t, a.Parents(), 1)
	require.Len(t, b.Parents(), 1)
	require.Len(t, changes, 1)
	require.ElementsMatch(t, []*ModelObject{a, b}, changes[0].Added)

	require.NoError(t, list.Set("items", []*ModelObject{b, c}))
	require.Len(t, a.Parents(), 0)
	require.Len(t, c.Parents(), 1)
	require.Len(t, changes, 2)
	require.ElementsMatch(t, []*ModelObject{c}, changes[1].Added)
	require.ElementsMatch(t, []*ModelObject{a}, changes[1].Removed)
}

func TestIdentityByUUID(t *testing.T) {
	schema := NewSchema("X")
	id := uuid.New()
	a := NewWithID(schema, id)
	b := NewWithID(schema, id)
	require.Equal(t, a.UUID(), b.UUID())
}

func TestGetSetUnknownPropertyWrapsErrUnknownProperty(t *testing.T) {
	obj := New(personSchema())
	_, err := obj.Get("nickname")
	require.ErrorIs(t, err, jetserr.ErrUnknownProperty)
	require.ErrorIs(t, obj.Set("nickname", "x"), jetserr.ErrUnknownProperty)
}
