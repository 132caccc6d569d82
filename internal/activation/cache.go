// Package activation records the tensors flowing through a model's hook
// points during a forward pass.
package activation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/samcharles93/lens/internal/tensor"
)

// ErrNotCached is returned when a name was not recorded.
var ErrNotCached = errors.New("activation not cached")

// Cache maps hook names to the values captured there. Entries keep the order
// in which their points fired.
type Cache struct {
	acts  map[string]*tensor.Tensor
	order []string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{acts: make(map[string]*tensor.Tensor)}
}

// Put stores v under name, replacing any earlier value.
func (c *Cache) Put(name string, v *tensor.Tensor) {
	if _, ok := c.acts[name]; !ok {
		c.order = append(c.order, name)
	}
	c.acts[name] = v
}

// Get returns the value recorded for name.
func (c *Cache) Get(name string) (*tensor.Tensor, bool) {
	v, ok := c.acts[name]
	return v, ok
}

// Lookup is Get with an error naming the missing hook.
func (c *Cache) Lookup(name string) (*tensor.Tensor, error) {
	v, ok := c.acts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotCached, name)
	}
	return v, nil
}

// Names returns the cached hook names in firing order.
func (c *Cache) Names() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of cached activations.
func (c *Cache) Len() int {
	return len(c.order)
}

// Predicate selects hook names.
type Predicate func(name string) bool

// All matches every hook.
func All() Predicate {
	return func(string) bool { return true }
}

// Names matches exactly the given names.
func Names(names ...string) Predicate {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

// Prefix matches names starting with p.
func Prefix(p string) Predicate {
	return func(name string) bool { return strings.HasPrefix(name, p) }
}

// Suffix matches names ending with s, e.g. Suffix("hook_result").
func Suffix(s string) Predicate {
	return func(name string) bool { return strings.HasSuffix(name, s) }
}

// Match matches names against a regular expression.
func Match(pattern string) (Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile hook pattern: %w", err)
	}
	return re.MatchString, nil
}

// MeanOverTokens averages t over its batch and position axes, counting only
// the first lengths[b] positions of each sequence. t is [batch, pos, ...];
// the result has the trailing shape.
func MeanOverTokens(t *tensor.Tensor, lengths []int) (*tensor.Tensor, error) {
	if t.Rank() < 2 {
		return nil, fmt.Errorf("mean over tokens needs rank >= 2, got %v", t.Shape)
	}
	B, T := t.Shape[0], t.Shape[1]
	if len(lengths) != B {
		return nil, fmt.Errorf("%d lengths for batch of %d", len(lengths), B)
	}
	out := tensor.New(t.Shape[2:]...)
	acc := make([]float64, len(out.Data))
	count := 0
	for b := 0; b < B; b++ {
		n := lengths[b]
		if n < 0 || n > T {
			return nil, fmt.Errorf("length %d for sequence %d outside [0,%d]", n, b, T)
		}
		for p := 0; p < n; p++ {
			for i, v := range t.Sub(b, p) {
				acc[i] += float64(v)
			}
			count++
		}
	}
	if count == 0 {
		return nil, errors.New("mean over tokens: no tokens")
	}
	for i := range acc {
		out.Data[i] = float32(acc[i] / float64(count))
	}
	return out, nil
}
