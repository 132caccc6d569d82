package hook

import (
	"fmt"
	"sync"
)

// Registry owns the hook points of a single model instance. It is not shared
// between models: two experiments that need to run concurrently must use two
// model instances, each with its own registry.
type Registry struct {
	mu     sync.Mutex
	points map[string]*Point
	order  []string
	nextID uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{points: make(map[string]*Point)}
}

// Register creates the point called name. Models call it while building their
// computation graph.
func (r *Registry) Register(name string) (*Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.points[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHook, name)
	}
	p := &Point{name: name}
	r.points[name] = p
	r.order = append(r.order, name)
	return p, nil
}

// MustRegister is Register for static graphs where a duplicate is a
// programming error.
func (r *Registry) MustRegister(name string) *Point {
	p, err := r.Register(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Point looks up a point by name.
func (r *Registry) Point(name string) (*Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchHook, name)
	}
	return p, nil
}

// Has reports whether name is a registered point.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.points[name]
	return ok
}

// Check returns ErrNoSuchHook for the first name that is not registered.
func (r *Registry) Check(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if _, ok := r.points[n]; !ok {
			return fmt.Errorf("%w: %q", ErrNoSuchHook, n)
		}
	}
	return nil
}

// Names returns every registered hook name in registration order, which is
// also the order the points fire during a forward pass.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Add installs fn at the named point after any callbacks already there.
func (r *Registry) Add(name string, fn Func) (Handle, error) {
	return r.AddTagged(name, "", fn)
}

// AddTagged installs fn with a tag so that a group of hooks can later be
// removed together with RemoveTag.
func (r *Registry) AddTagged(name, tag string, fn Func) (Handle, error) {
	if fn == nil {
		return Handle{}, fmt.Errorf("add hook %s: nil callback", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrNoSuchHook, name)
	}
	r.nextID++
	id := r.nextID
	p.add(entry{id: id, tag: tag, fn: fn})
	return Handle{Name: name, id: id}, nil
}

// Remove uninstalls the callback identified by h.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[h.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchHook, h.Name)
	}
	if !p.remove(h.id) {
		return fmt.Errorf("%w: %s#%d", ErrUnknownHandle, h.Name, h.id)
	}
	return nil
}

// RemoveTag uninstalls every callback carrying tag and returns how many were
// removed.
func (r *Registry) RemoveTag(tag string) int {
	n, _ := r.DetachTag(tag)
	return n
}

// DetachTag is RemoveTag that also returns a function reinstalling the
// removed callbacks at their original places. Callbacks added in between
// stay installed. Call restore at most once.
func (r *Registry) DetachTag(tag string) (n int, restore func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taken := make(map[*Point][]entry)
	for _, name := range r.order {
		p := r.points[name]
		if es := p.takeTag(tag); len(es) > 0 {
			taken[p] = es
			n += len(es)
		}
	}
	return n, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for p, es := range taken {
			p.restore(es)
		}
	}
}

// Reset removes every installed callback from every point. Points themselves
// survive. Reset holds the registry lock for the whole sweep so no Add can
// interleave with it.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		r.points[name].reset()
	}
}

// Installed returns the total number of callbacks across all points.
func (r *Registry) Installed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.points {
		n += p.Len()
	}
	return n
}

// Counts returns the number of callbacks per point, omitting empty points.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for name, p := range r.points {
		if n := p.Len(); n > 0 {
			out[name] = n
		}
	}
	return out
}
