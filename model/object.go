// Package model implements jetstream's model-object layer: observable
// entities with typed properties, automatic change capture,
// composite/derived property invalidation, and stable identity.
package model

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/jetserr"
)

// ScopeHost is the contract a ModelObject needs from its owning scope.
// Defined here (rather than imported from a scope package) so model has
// no dependency on scope — scope depends on model and implements this
// interface, avoiding an import cycle.
type ScopeHost interface {
	// RemoteApplying reports whether the scope is currently inside a
	// StartApplyingRemote/EndApplyingRemote bracket.
	RemoteApplying() bool
	// NoteLocalChange informs the scope that obj produced a local change
	// to property prop. Only called when !RemoteApplying().
	NoteLocalChange(obj *ModelObject, prop string)
	// DeferObservation queues fn to run at the end of the current
	// remote-apply step, so observers never see a ModelObject mid-apply.
	// Only called when RemoteApplying().
	DeferObservation(fn func())
}

// PropertyChange is delivered to per-property observers.
type PropertyChange struct {
	Property string
	Old, New any
}

// CollectionChange is delivered to collection observers on an
// arrayOfRefs property when its membership changes.
type CollectionChange struct {
	Property string
	Added    []*ModelObject
	Removed  []*ModelObject
}

// DetachEvent is delivered when a ModelObject is removed from its scope
// because it is no longer reachable from the root.
type DetachEvent struct{}

// ParentLink is one live (parent, property) back-reference. Back-
// references are a multiset: the same (parent, property) pair can appear
// more than once if, e.g., a collection holds the same child twice.
type ParentLink struct {
	Parent   *ModelObject
	Property string
}

// ModelObject is a node in the synchronized graph.
type ModelObject struct {
	id        uuid.UUID
	className string
	schema    *Schema

	mu      sync.Mutex
	scope   ScopeHost
	values  map[string]any
	parents []ParentLink

	onPropertyChange   Signal[PropertyChange]
	onCollectionChange Signal[CollectionChange]
	onDetach           Signal[DetachEvent]
}

// New constructs a fresh ModelObject of the given schema with a newly
// generated UUID. Used by application code creating new graph nodes.
func New(schema *Schema) *ModelObject {
	return newWithID(schema, uuid.New())
}

// newWithID constructs a ModelObject with an explicit UUID — used when
// reconstructing an object from an inbound "add" fragment, where the wire
// already assigned the identity.
func newWithID(schema *Schema, id uuid.UUID) *ModelObject {
	return &ModelObject{
		id:        id,
		className: schema.ClassName,
		schema:    schema,
		values:    make(map[string]any),
	}
}

// NewWithID is the exported form of newWithID, for packages (fragment,
// scope) that must instantiate objects by wire UUID.
func NewWithID(schema *Schema, id uuid.UUID) *ModelObject {
	return newWithID(schema, id)
}

// UUID returns the object's stable, construction-time identity.
func (m *ModelObject) UUID() uuid.UUID { return m.id }

// ClassName returns the class this object was constructed from.
func (m *ModelObject) ClassName() string { return m.className }

// Schema returns the class descriptor backing this object.
func (m *ModelObject) Schema() *Schema { return m.schema }

// Scope returns the ScopeHost currently containing this object, or nil
// if the object is detached.
func (m *ModelObject) Scope() ScopeHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// BindScope attaches obj to a scope. Called by the scope package when an
// object becomes part of its graph; not for application use.
func (m *ModelObject) BindScope(host ScopeHost) {
	m.mu.Lock()
	m.scope = host
	m.mu.Unlock()
}

// Unbind detaches obj from its scope without firing the detach
// observation. FireDetach calls it and then notifies observers.
func (m *ModelObject) Unbind() {
	m.mu.Lock()
	m.scope = nil
	m.mu.Unlock()
}

// FireDetach marks obj as no longer part of any scope and notifies
// detach observers. Called by Scope when a flush finds the object
// unreachable from the root.
func (m *ModelObject) FireDetach() {
	m.Unbind()
	m.onDetach.Fire(DetachEvent{})
}

// OnPropertyChange registers a per-property-change observer under key.
func (m *ModelObject) OnPropertyChange(key ListenerKey, fn func(PropertyChange)) {
	m.onPropertyChange.Listen(key, fn)
}

// OnCollectionChange registers a collection add/remove observer under key.
func (m *ModelObject) OnCollectionChange(key ListenerKey, fn func(CollectionChange)) {
	m.onCollectionChange.Listen(key, fn)
}

// OnDetach registers a detach observer under key.
func (m *ModelObject) OnDetach(key ListenerKey, fn func(DetachEvent)) {
	m.onDetach.Listen(key, fn)
}

// RemoveListener removes every observer (of any of the three
// granularities) registered under key, letting a single caller
// deregister all its subscriptions at once.
func (m *ModelObject) RemoveListener(key ListenerKey) {
	m.onPropertyChange.RemoveListener(key)
	m.onCollectionChange.RemoveListener(key)
	m.onDetach.RemoveListener(key)
}

// Get reads the current value of a property, computing it on the fly if
// it is derived.
func (m *ModelObject) Get(name string) (any, error) {
	field, ok := m.schema.Field(name)
	if !ok {
		return nil, fmt.Errorf("model: %s has no property %q: %w", m.className, name, jetserr.ErrUnknownProperty)
	}
	if field.Compute != nil {
		return field.Compute(m), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[name], nil
}

// Set applies the change-capture rule: no-op on equal
// values; otherwise updates back-pointers for reference properties,
// stores the new value, and fires (or, mid remote-apply, defers) the
// property and composite-dependency observations, then informs the
// owning scope of a local change when capture is enabled.
func (m *ModelObject) Set(name string, newVal any) error {
	field, ok := m.schema.Field(name)
	if !ok {
		return fmt.Errorf("model: %s has no property %q: %w", m.className, name, jetserr.ErrUnknownProperty)
	}
	if field.Compute != nil {
		return fmt.Errorf("model: %q on %s is derived and cannot be set", name, m.className)
	}

	m.mu.Lock()
	oldVal, existed := m.values[name]
	if existed && valuesEqual(field.Tag, oldVal, newVal) {
		m.mu.Unlock()
		return nil
	}
	if field.Tag.IsReference() {
		m.updateBackRefsLocked(field, oldVal, newVal)
	}
	m.values[name] = newVal
	host := m.scope
	m.mu.Unlock()

	derivedNames := m.schema.derivedNamesFor(name)
	fire := func() {
		m.onPropertyChange.Fire(PropertyChange{Property: name, Old: oldVal, New: newVal})
		for _, derived := range derivedNames {
			m.onPropertyChange.Fire(PropertyChange{Property: derived})
		}
	}

	if host != nil && host.RemoteApplying() {
		host.DeferObservation(fire)
	} else {
		fire()
		if host != nil {
			host.NoteLocalChange(m, name)
		}
	}
	return nil
}

// Parents returns a copy of the object's live back-reference multiset.
func (m *ModelObject) Parents() []ParentLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ParentLink{}, m.parents...)
}

func (m *ModelObject) addParentLink(parent *ModelObject, property string) {
	m.mu.Lock()
	m.parents = append(m.parents, ParentLink{Parent: parent, Property: property})
	m.mu.Unlock()
}

// removeParentLink removes exactly one matching (parent, property)
// entry, keeping back-references consistent with forward references.
func (m *ModelObject) removeParentLink(parent *ModelObject, property string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, link := range m.parents {
		if link.Parent == parent && link.Property == property {
			m.parents = append(m.parents[:i], m.parents[i+1:]...)
			return
		}
	}
}

// updateBackRefsLocked must be called with m.mu held.
func (m *ModelObject) updateBackRefsLocked(field *Field, oldVal, newVal any) {
	switch {
	case field.Tag.IsCollection():
		oldList, _ := oldVal.([]*ModelObject)
		newList, _ := newVal.([]*ModelObject)
		added, removed := diffRefLists(oldList, newList)
		for _, child := range removed {
			child.removeParentLink(m, field.Name)
		}
		for _, child := range added {
			child.addParentLink(m, field.Name)
		}
		if len(added) > 0 || len(removed) > 0 {
			ev := CollectionChange{Property: field.Name, Added: added, Removed: removed}
			host := m.scope
			fireCollection := func() { m.onCollectionChange.Fire(ev) }
			if host != nil && host.RemoteApplying() {
				host.DeferObservation(fireCollection)
			} else {
				fireCollection()
			}
		}
	default: // single reference
		if oldChild, ok := oldVal.(*ModelObject); ok && oldChild != nil {
			oldChild.removeParentLink(m, field.Name)
		}
		if newChild, ok := newVal.(*ModelObject); ok && newChild != nil {
			newChild.addParentLink(m, field.Name)
		}
	}
}

func diffRefLists(oldList, newList []*ModelObject) (added, removed []*ModelObject) {
	oldCount := map[uuid.UUID]int{}
	for _, o := range oldList {
		oldCount[o.UUID()]++
	}
	newCount := map[uuid.UUID]int{}
	for _, n := range newList {
		newCount[n.UUID()]++
	}
	for _, n := range newList {
		if oldCount[n.UUID()] > 0 {
			oldCount[n.UUID()]--
			continue
		}
		added = append(added, n)
	}
	for _, o := range oldList {
		if newCount[o.UUID()] > 0 {
			newCount[o.UUID()]--
			continue
		}
		removed = append(removed, o)
	}
	return
}

func valuesEqual(tag codec.Tag, oldVal, newVal any) bool {
	if tag.IsCollection() {
		oldList, _ := oldVal.([]*ModelObject)
		newList, _ := newVal.([]*ModelObject)
		if len(oldList) != len(newList) {
			return false
		}
		for i := range oldList {
			if oldList[i].UUID() != newList[i].UUID() {
				return false
			}
		}
		return true
	}
	if tag.IsReference() {
		oldChild, _ := oldVal.(*ModelObject)
		newChild, _ := newVal.(*ModelObject)
		if oldChild == nil || newChild == nil {
			return oldChild == newChild
		}
		return oldChild.UUID() == newChild.UUID()
	}
	return oldVal == newVal
}
