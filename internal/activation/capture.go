package activation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/metrics"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

// ErrIncompleteCapture is returned when a matched point did not fire during
// the capture pass.
var ErrIncompleteCapture = errors.New("incomplete activation capture")

// Capture runs one forward pass over tokens with recording hooks at every
// point whose name satisfies pred, and returns the recorded cache together
// with the logits. The recording hooks copy their input and pass it through
// untouched, so hooks installed earlier still see and shape the value that is
// recorded. All recording hooks are removed before Capture returns, whether
// or not the pass succeeded; on failure no cache is returned.
func Capture(ctx context.Context, m model.Model, pred Predicate, tokens [][]int) (*Cache, *tensor.Tensor, error) {
	if pred == nil {
		return nil, nil, errors.New("capture: nil predicate")
	}
	reg := m.Hooks()
	var names []string
	for _, n := range reg.Names() {
		if pred(n) {
			names = append(names, n)
		}
	}

	cache := NewCache()
	scope := reg.NewScope()
	defer func() { _ = scope.Close() }()

	record := func(v *tensor.Tensor, p *hook.Point) (*tensor.Tensor, error) {
		cache.Put(p.Name(), v.Clone())
		return v, nil
	}
	for _, n := range names {
		if err := scope.Add(n, record); err != nil {
			return nil, nil, fmt.Errorf("capture: %w", err)
		}
	}

	logits, err := m.Forward(ctx, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("capture forward pass: %w", err)
	}
	if err := scope.Close(); err != nil {
		return nil, nil, fmt.Errorf("capture cleanup: %w", err)
	}
	if cache.Len() != len(names) {
		var missing []string
		for _, n := range names {
			if _, ok := cache.Get(n); !ok {
				missing = append(missing, n)
			}
		}
		slices.Sort(missing)
		return nil, nil, fmt.Errorf("%w: %d of %d points never fired: %v", ErrIncompleteCapture, len(missing), len(names), missing)
	}
	metrics.RecordCapture(cache.Len())
	return cache, logits, nil
}
