// Package hook implements named interception points inside a model's forward
// pass and the per-model registry that owns them.
//
// A Point is a pass-through node: with no callbacks installed Forward returns
// its input unchanged. Installed callbacks run in registration order, each
// receiving the previous callback's output, so the order in which hooks are
// added is part of the observable contract.
package hook

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/lens/internal/tensor"
)

var (
	// ErrNoSuchHook is returned when a name does not identify a registered point.
	ErrNoSuchHook = errors.New("no such hook")
	// ErrDuplicateHook is returned when a model registers the same name twice.
	ErrDuplicateHook = errors.New("hook already registered")
	// ErrUnknownHandle is returned when removing a hook that is not installed.
	ErrUnknownHandle = errors.New("hook handle not installed")
	// ErrNilValue is returned when a callback returns a nil tensor.
	ErrNilValue = errors.New("hook returned nil value")
)

// Func is a hook callback. It receives the value flowing through the point and
// the point itself, and returns the replacement value. Returning the input
// unchanged makes the callback a pure observer.
type Func func(value *tensor.Tensor, p *Point) (*tensor.Tensor, error)

// Handle identifies one installed callback.
type Handle struct {
	Name string
	id   uint64
}

type entry struct {
	id  uint64
	tag string
	fn  Func
}

// Point is a named interception site. Points are created by a Registry and
// live as long as the owning model.
type Point struct {
	name  string
	mu    sync.RWMutex
	hooks []entry
}

// Name returns the point's hook name.
func (p *Point) Name() string {
	return p.name
}

// Len returns the number of installed callbacks.
func (p *Point) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.hooks)
}

// Forward threads v through every installed callback in registration order.
func (p *Point) Forward(v *tensor.Tensor) (*tensor.Tensor, error) {
	p.mu.RLock()
	hooks := make([]entry, len(p.hooks))
	copy(hooks, p.hooks)
	p.mu.RUnlock()

	for _, h := range hooks {
		out, err := h.fn(v, p)
		if err != nil {
			return nil, fmt.Errorf("hook %s: %w", p.name, err)
		}
		if out == nil {
			return nil, fmt.Errorf("hook %s: %w", p.name, ErrNilValue)
		}
		v = out
	}
	return v, nil
}

func (p *Point) add(e entry) {
	p.mu.Lock()
	p.hooks = append(p.hooks, e)
	p.mu.Unlock()
}

func (p *Point) remove(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.hooks {
		if h.id == id {
			p.hooks = append(p.hooks[:i], p.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// takeTag removes and returns the callbacks carrying tag.
func (p *Point) takeTag(tag string) []entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var taken []entry
	kept := p.hooks[:0]
	for _, h := range p.hooks {
		if h.tag == tag {
			taken = append(taken, h)
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(p.hooks); i++ {
		p.hooks[i] = entry{}
	}
	p.hooks = kept
	return taken
}

// restore puts taken callbacks back. Ids grow with every add, so sorting by
// id recovers the original firing order.
func (p *Point) restore(taken []entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, taken...)
	slices.SortFunc(p.hooks, func(a, b entry) int { return cmp.Compare(a.id, b.id) })
}

func (p *Point) reset() {
	p.mu.Lock()
	p.hooks = nil
	p.mu.Unlock()
}
