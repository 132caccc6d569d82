package hook

import "errors"

// Scope records the hooks installed through it so they can be removed as a
// unit. The usual pattern is
//
//	s := reg.NewScope()
//	defer s.Close()
//	if err := s.Add(name, fn); err != nil { ... }
//
// which guarantees removal on every exit path, including panics unwinding
// through the deferred Close.
type Scope struct {
	reg     *Registry
	handles []Handle
	closed  bool
}

// NewScope starts a new hook scope on r.
func (r *Registry) NewScope() *Scope {
	return &Scope{reg: r}
}

// Add installs fn at name for the lifetime of the scope.
func (s *Scope) Add(name string, fn Func) error {
	if s.closed {
		return errors.New("hook scope already closed")
	}
	h, err := s.reg.Add(name, fn)
	if err != nil {
		return err
	}
	s.handles = append(s.handles, h)
	return nil
}

// Len returns the number of hooks installed through the scope.
func (s *Scope) Len() int {
	return len(s.handles)
}

// Close removes every hook installed through the scope, newest first. It is
// safe to call more than once.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for i := len(s.handles) - 1; i >= 0; i-- {
		if err := s.reg.Remove(s.handles[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}
