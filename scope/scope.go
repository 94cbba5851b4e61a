// Package scope implements jetstream's Scope: the transactional boundary
// that owns a connected sub-graph of ModelObjects, reconciles local edits
// into outbound sync fragments, and applies inbound fragments in a
// controlled remote-apply mode.
package scope

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/fragment"
	"github.com/uber/jetstream-go/jetserr"
	"github.com/uber/jetstream-go/jlog"
	"github.com/uber/jetstream-go/model"
)

// ChangeObserver receives one ordered fragment batch per flush. Only one
// may be registered at a time; in practice it is the Client.
type ChangeObserver func(fragments []fragment.Fragment)

// Scope owns one connected object graph, mirroring a named server-side
// state partition.
type Scope struct {
	Name string
	log  jlog.Logger

	registry *model.Registry

	mu             sync.Mutex
	rootModel      *model.ModelObject
	rootChanged    bool
	objects        map[uuid.UUID]*model.ModelObject
	changedProps   map[uuid.UUID][]string
	flushPending   bool
	remoteApplying int
	deferred       []func()
	onChange       ChangeObserver
	scopeIndex     int
	attached       bool

	// flushNow lets tests replace the zero-delay deferred flush with a
	// synchronous call; production code leaves it nil and relies on
	// time.AfterFunc(0, ...) so one user action producing N property
	// writes yields one fragment batch.
	flushNow func(fn func())
}

// New creates a detached Scope named name, backed by registry for
// instantiating objects named on the wire by class.
func New(name string, registry *model.Registry, log jlog.Logger) *Scope {
	return &Scope{
		Name:         name,
		log:          log,
		registry:     registry,
		objects:      make(map[uuid.UUID]*model.ModelObject),
		changedProps: make(map[uuid.UUID][]string),
		scopeIndex:   -1,
	}
}

// Attach marks the scope as attached at the server-assigned scopeIndex,
// which a successful ScopeFetch reply supplies.
func (s *Scope) Attach(scopeIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopeIndex = scopeIndex
	s.attached = true
}

// Attached reports the scope's attachment state and, if attached, its
// server-assigned index.
func (s *Scope) Attached() (index int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopeIndex, s.attached
}

// ObserveChanges registers the single change observer (the Client). A
// later call replaces the previous observer.
func (s *Scope) ObserveChanges(cb ChangeObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = cb
}

// Root returns the scope's current root object, or nil.
func (s *Scope) Root() *model.ModelObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootModel
}

// GetObjectByUUID looks up a live object by its wire identity.
func (s *Scope) GetObjectByUUID(id uuid.UUID) (*model.ModelObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	return obj, ok
}

// Object looks up a live object by its wire identity, returning
// jetserr.ErrObjectUnknown instead of a bare boolean for callers (e.g.
// application code resolving a UUID it received out of band) that want
// an error rather than a two-value lookup.
func (s *Scope) Object(id uuid.UUID) (*model.ModelObject, error) {
	obj, ok := s.GetObjectByUUID(id)
	if !ok {
		return nil, jetserr.ErrObjectUnknown
	}
	return obj, nil
}

// AttachRoot makes obj the scope's root, as a local edit: it is captured
// and flushed like any other change.
func (s *Scope) AttachRoot(obj *model.ModelObject) {
	s.mu.Lock()
	s.rootModel = obj
	s.rootChanged = true
	s.mu.Unlock()
	if !s.RemoteApplying() {
		s.scheduleFlush()
	}
}

// DetachRoot clears the scope's root; the next flush will find every
// object unreachable and fire detach observations for all of them.
func (s *Scope) DetachRoot() {
	s.mu.Lock()
	s.rootModel = nil
	s.mu.Unlock()
	if !s.RemoteApplying() {
		s.scheduleFlush()
	}
}

// RemoteApplying implements model.ScopeHost.
func (s *Scope) RemoteApplying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteApplying != 0
}

// NoteLocalChange implements model.ScopeHost: records a changed property
// name and arms the deferred flush if this is the first change of a
// fresh tick.
func (s *Scope) NoteLocalChange(obj *model.ModelObject, prop string) {
	s.mu.Lock()
	names := s.changedProps[obj.UUID()]
	found := false
	for _, n := range names {
		if n == prop {
			found = true
			break
		}
	}
	if !found {
		s.changedProps[obj.UUID()] = append(names, prop)
	}
	s.mu.Unlock()
	s.scheduleFlush()
}

// DeferObservation implements model.ScopeHost: queues fn to run once the
// current remote-apply bracket closes.
func (s *Scope) DeferObservation(fn func()) {
	s.mu.Lock()
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

func (s *Scope) scheduleFlush() {
	s.mu.Lock()
	if s.flushPending {
		s.mu.Unlock()
		return
	}
	s.flushPending = true
	runner := s.flushNow
	s.mu.Unlock()

	if runner != nil {
		runner(s.flush)
		return
	}
	time.AfterFunc(0, s.flush)
}

// StartApplyingRemote enters remote-apply mode, disabling local-change
// capture. Pairs with EndApplyingRemote.
func (s *Scope) StartApplyingRemote() {
	s.mu.Lock()
	s.remoteApplying++
	s.mu.Unlock()
}

// EndApplyingRemote exits one level of remote-apply mode. When the last
// bracket closes, every observation deferred during the step fires, in
// the order it occurred. Returns jetserr.ErrUnpairedRemoteApply, a fatal
// programmer error, if called without a matching Start.
func (s *Scope) EndApplyingRemote() error {
	s.mu.Lock()
	if s.remoteApplying == 0 {
		s.mu.Unlock()
		return jetserr.ErrUnpairedRemoteApply
	}
	s.remoteApplying--
	var toFire []func()
	if s.remoteApplying == 0 {
		toFire = s.deferred
		s.deferred = nil
	}
	s.mu.Unlock()

	for _, fn := range toFire {
		fn()
	}
	return nil
}

// Flush runs a pending flush immediately instead of waiting for the
// deferred timer; it does nothing if no flush is pending. Exposed for
// tests and for callers that need pending changes flushed synchronously,
// e.g. before closing the Client, which does not flush scopes itself.
func (s *Scope) Flush() {
	s.flush()
}

// flush coalesces the tick's local changes: computes reachability from
// the root, builds one ordered fragment batch (root, then adds, then
// changes), and emits it to the registered observer.
func (s *Scope) flush() {
	s.mu.Lock()
	if !s.flushPending {
		s.mu.Unlock()
		return
	}
	s.flushPending = false
	changed := s.changedProps
	s.changedProps = make(map[uuid.UUID][]string)
	rootChanged := s.rootChanged
	s.rootChanged = false
	root := s.rootModel
	onChange := s.onChange
	s.mu.Unlock()

	reachable := computeReachable(root)

	var fragments []fragment.Fragment
	if rootChanged && root != nil {
		fragments = append(fragments, fragment.BuildRoot(root))
	}

	var adds, changes []fragment.Fragment
	var detached []*model.ModelObject

	s.mu.Lock()
	for id, obj := range reachable {
		if _, existed := s.objects[id]; !existed {
			if host := obj.Scope(); host != nil && host != s {
				s.log.Error("scope: object already owned by another scope", "uuid", id, "err", jetserr.ErrWrongScope)
				continue
			}
			f, err := fragment.BuildAdd(obj)
			if err != nil {
				s.log.Error("scope: failed building add fragment", "uuid", id, "err", err)
				continue
			}
			s.objects[id] = obj
			obj.BindScope(s)
			adds = append(adds, f)
			continue
		}
		if props := changed[id]; len(props) > 0 {
			f, err := fragment.BuildChange(obj, props)
			if err != nil {
				s.log.Error("scope: failed building change fragment", "uuid", id, "err", err)
				continue
			}
			changes = append(changes, f)
		}
	}
	for id, obj := range s.objects {
		if _, stillReachable := reachable[id]; !stillReachable {
			delete(s.objects, id)
			detached = append(detached, obj)
		}
	}
	s.mu.Unlock()

	for _, obj := range detached {
		obj.FireDetach()
	}

	fragments = append(fragments, adds...)
	fragments = append(fragments, changes...)
	if len(fragments) == 0 {
		return
	}
	if onChange != nil {
		onChange(fragments)
	}
}

func computeReachable(root *model.ModelObject) map[uuid.UUID]*model.ModelObject {
	reachable := make(map[uuid.UUID]*model.ModelObject)
	if root == nil {
		return reachable
	}
	queue := []*model.ModelObject{root}
	reachable[root.UUID()] = root
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		for _, name := range obj.Schema().StoredProperties() {
			field, _ := obj.Schema().Field(name)
			if !field.Tag.IsReference() {
				continue
			}
			val, _ := obj.Get(name)
			for _, child := range refsOf(field.Tag, val) {
				if child == nil {
					continue
				}
				if _, seen := reachable[child.UUID()]; seen {
					continue
				}
				reachable[child.UUID()] = child
				queue = append(queue, child)
			}
		}
	}
	return reachable
}

func refsOf(tag codec.Tag, val any) []*model.ModelObject {
	if tag.IsCollection() {
		list, _ := val.([]*model.ModelObject)
		return list
	}
	child, _ := val.(*model.ModelObject)
	if child == nil {
		return nil
	}
	return []*model.ModelObject{child}
}

// ApplyRootFragment installs or reconciles the scope's root from root,
// then applies extras, all inside one remote-apply bracket.
func (s *Scope) ApplyRootFragment(root fragment.Fragment, extras []fragment.Fragment) error {
	if root.Type != fragment.TypeRoot {
		return fmt.Errorf("scope: ApplyRootFragment requires a root fragment, got %q", root.Type)
	}
	s.StartApplyingRemote()
	defer func() {
		if err := s.EndApplyingRemote(); err != nil {
			s.log.Error("scope: unpaired remote-apply", "err", err)
		}
	}()

	s.reconcileRoot(root)
	s.applyTwoPass(extras)
	return nil
}

// ApplySyncFragments applies an ordered incremental fragment batch
// inside one remote-apply bracket.
func (s *Scope) ApplySyncFragments(frags []fragment.Fragment) error {
	s.StartApplyingRemote()
	defer func() {
		if err := s.EndApplyingRemote(); err != nil {
			s.log.Error("scope: unpaired remote-apply", "err", err)
		}
	}()
	s.applyTwoPass(frags)
	return nil
}

// reconcileRoot installs root as the scope's root object, instantiating
// it if needed. Used both for the root fragment that always accompanies
// a ScopeState and for a mid-session root reassignment delivered inside
// a ScopeSync's syncFragments.
func (s *Scope) reconcileRoot(root fragment.Fragment) {
	obj, err := s.ensureObject(root.ObjectUUID, root.ClassName)
	if err != nil {
		s.log.Warn("scope: dropping root fragment for unknown class", "uuid", root.ObjectUUID, "cls", root.ClassName)
		return
	}
	s.mu.Lock()
	s.rootModel = obj
	s.mu.Unlock()
}

// applyTwoPass first instantiates every "add"/"root" object named in
// the batch (so forward references resolve) and reconciles any root
// reassignment, then wires properties in the original order.
func (s *Scope) applyTwoPass(frags []fragment.Fragment) {
	for _, f := range frags {
		if f.Type == fragment.TypeRoot {
			s.reconcileRoot(f)
			continue
		}
		if f.Type != fragment.TypeAdd {
			continue
		}
		if _, err := s.ensureObject(f.ObjectUUID, f.ClassName); err != nil {
			s.log.Warn("scope: dropping fragment for unknown class", "uuid", f.ObjectUUID, "cls", f.ClassName, "err", err)
		}
	}

	for _, f := range frags {
		if f.Type == fragment.TypeRoot {
			continue
		}
		obj, ok := s.GetObjectByUUID(f.ObjectUUID)
		if !ok {
			s.log.Warn("scope: dropping fragment for unknown object", "uuid", f.ObjectUUID)
			continue
		}
		s.applyProperties(obj, f.Properties)
	}
}

// applyProperties decodes raw against obj's schema and sets each
// property, resolving modelObjectRef/arrayOfRefs UUIDs against this
// scope's object index. A reference to a UUID not present after both
// passes is treated as null, with a warning.
func (s *Scope) applyProperties(obj *model.ModelObject, raw map[string]json.RawMessage) {
	decoded, skipped := fragment.DecodeProperties(obj.Schema(), raw)
	for _, name := range skipped {
		s.log.Warn("scope: skipping unknown property", "cls", obj.ClassName(), "property", name)
	}
	for name, dv := range decoded {
		var value any
		switch {
		case dv.Tag == codec.TagRef:
			if !dv.HasRef {
				value = (*model.ModelObject)(nil)
				break
			}
			child, ok := s.GetObjectByUUID(dv.Ref)
			if !ok {
				s.log.Warn("scope: unresolved reference, treating as null", "cls", obj.ClassName(), "property", name, "ref", dv.Ref)
				child = nil
			}
			value = child
		case dv.Tag == codec.TagArrayRefs:
			list := make([]*model.ModelObject, 0, len(dv.RefList))
			for _, id := range dv.RefList {
				child, ok := s.GetObjectByUUID(id)
				if !ok {
					s.log.Warn("scope: unresolved reference in arrayOfRefs, dropping element", "cls", obj.ClassName(), "property", name, "ref", id)
					continue
				}
				list = append(list, child)
			}
			value = list
		default:
			value = dv.Scalar
		}
		if err := obj.Set(name, value); err != nil {
			s.log.Error("scope: failed setting property", "cls", obj.ClassName(), "property", name, "err", err)
		}
	}
}

func (s *Scope) ensureObject(id uuid.UUID, className string) (*model.ModelObject, error) {
	if obj, ok := s.GetObjectByUUID(id); ok {
		return obj, nil
	}
	schema, ok := s.registry.Lookup(className)
	if !ok {
		return nil, jetserr.ErrClassUnknown
	}
	obj := model.NewWithID(schema, id)
	obj.BindScope(s)
	s.mu.Lock()
	s.objects[id] = obj
	s.mu.Unlock()
	return obj, nil
}
