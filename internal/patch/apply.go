package patch

import (
	"fmt"

	"github.com/samcharles93/lens/internal/hook"
	"github.com/samcharles93/lens/internal/model"
	"github.com/samcharles93/lens/internal/tensor"
)

// slots returns the views of v addressed by sequence b and position t,
// narrowed to one head when head is set. axis is the head axis of the value
// as reported by model.HeadAxis.
func slots(v *tensor.Tensor, axis, b, t int, head *int) ([][]float32, error) {
	if v.Rank() < 2 || b >= v.Shape[0] {
		return nil, fmt.Errorf("sequence %d outside value of shape %v", b, v.Shape)
	}
	switch axis {
	case 2:
		if v.Rank() < 3 || t < 0 || t >= v.Shape[1] {
			return nil, fmt.Errorf("position %d outside value of shape %v", t, v.Shape)
		}
		if head == nil {
			return [][]float32{v.Sub(b, t)}, nil
		}
		if *head < 0 || *head >= v.Shape[2] {
			return nil, fmt.Errorf("head %d outside value of shape %v", *head, v.Shape)
		}
		return [][]float32{v.Sub(b, t, *head)}, nil
	case 1:
		// [batch, head, query, key]: positions index the query axis.
		if v.Rank() != 4 || t < 0 || t >= v.Shape[2] {
			return nil, fmt.Errorf("position %d outside value of shape %v", t, v.Shape)
		}
		if head != nil {
			if *head < 0 || *head >= v.Shape[1] {
				return nil, fmt.Errorf("head %d outside value of shape %v", *head, v.Shape)
			}
			return [][]float32{v.Sub(b, *head, t)}, nil
		}
		out := make([][]float32, v.Shape[1])
		for h := range out {
			out[h] = v.Sub(b, h, t)
		}
		return out, nil
	default:
		if head != nil {
			return nil, fmt.Errorf("value of shape %v has no head axis", v.Shape)
		}
		if t < 0 || t >= v.Shape[1] {
			return nil, fmt.Errorf("position %d outside value of shape %v", t, v.Shape)
		}
		return [][]float32{v.Sub(b, t)}, nil
	}
}

// copySlots copies src into dst slot by slot. Every pair must agree in
// length.
func copySlots(dst, src [][]float32) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: %d target slots, %d source slots", tensor.ErrShapeMismatch, len(dst), len(src))
	}
	for i := range dst {
		if len(dst[i]) != len(src[i]) {
			return fmt.Errorf("%w: slot of %d values, source slot of %d", tensor.ErrShapeMismatch, len(dst[i]), len(src[i]))
		}
		copy(dst[i], src[i])
	}
	return nil
}

// patcher holds everything a patch hook needs; it is built once per grid
// point and hook name.
type patcher struct {
	name   string
	axis   int
	head   *int
	kind   Kind
	source *tensor.Tensor // cached source value, nil without a source
	mean   *tensor.Tensor // source mean, MeanAblate only
	custom CustomFunc
	point  GridPoint

	targetPos [][]int
	sourcePos [][]int
}

func (pt *patcher) hookFunc() hook.Func {
	return func(v *tensor.Tensor, p *hook.Point) (*tensor.Tensor, error) {
		if pt.kind == Custom {
			return pt.custom(v, pt.source, Target{Point: pt.point, Hook: pt.name}, p)
		}
		out := v.Clone()
		if err := pt.apply(out); err != nil {
			return nil, fmt.Errorf("%v patch at %s: %w", pt.kind, pt.name, err)
		}
		return out, nil
	}
}

func (pt *patcher) apply(out *tensor.Tensor) error {
	switch pt.kind {
	case FullOverwrite:
		return pt.overwrite(out)
	case PositionalSplice:
		return pt.splice(out)
	case ZeroAblate:
		return pt.fill(out, nil)
	case MeanAblate:
		return pt.fill(out, pt.mean)
	}
	return fmt.Errorf("patch kind %v", pt.kind)
}

func (pt *patcher) overwrite(out *tensor.Tensor) error {
	if err := tensor.CheckShape(out.Shape, pt.source.Shape); err != nil {
		return err
	}
	if pt.head == nil {
		copy(out.Data, pt.source.Data)
		return nil
	}
	T := out.Shape[1]
	if pt.axis == 1 {
		T = out.Shape[2]
	}
	for b := 0; b < out.Shape[0]; b++ {
		for t := 0; t < T; t++ {
			dst, err := slots(out, pt.axis, b, t, pt.head)
			if err != nil {
				return err
			}
			src, _ := slots(pt.source, pt.axis, b, t, pt.head)
			if err := copySlots(dst, src); err != nil {
				return err
			}
		}
	}
	return nil
}

func (pt *patcher) splice(out *tensor.Tensor) error {
	if len(pt.targetPos) != out.Shape[0] {
		return fmt.Errorf("%w: value batch %d, %d prompts", tensor.ErrShapeMismatch, out.Shape[0], len(pt.targetPos))
	}
	for b, positions := range pt.targetPos {
		for i, t := range positions {
			dst, err := slots(out, pt.axis, b, t, pt.head)
			if err != nil {
				return err
			}
			src, err := slots(pt.source, pt.axis, b, pt.sourcePos[b][i], pt.head)
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			if err := copySlots(dst, src); err != nil {
				return fmt.Errorf("prompt %d position %d: %w", b, t, err)
			}
		}
	}
	return nil
}

// fill writes mean (or zeros when mean is nil) into every selected slot.
func (pt *patcher) fill(out *tensor.Tensor, mean *tensor.Tensor) error {
	if len(pt.targetPos) != out.Shape[0] {
		return fmt.Errorf("%w: value batch %d, %d prompts", tensor.ErrShapeMismatch, out.Shape[0], len(pt.targetPos))
	}
	var want []float32
	if mean != nil {
		want = mean.Data
		if pt.head != nil {
			if *pt.head >= mean.Shape[0] {
				return fmt.Errorf("head %d outside mean of shape %v", *pt.head, mean.Shape)
			}
			want = mean.Sub(*pt.head)
		}
	}
	for b, positions := range pt.targetPos {
		for _, t := range positions {
			dst, err := slots(out, pt.axis, b, t, pt.head)
			if err != nil {
				return err
			}
			for _, s := range dst {
				if want == nil {
					clear(s)
					continue
				}
				if len(s) != len(want) {
					return fmt.Errorf("%w: slot of %d values, mean of %d", tensor.ErrShapeMismatch, len(s), len(want))
				}
				copy(s, want)
			}
		}
	}
	return nil
}

// headAxisOf returns the head axis of the value at a hook name.
func headAxisOf(name string) int {
	return model.HeadAxis(model.KindOf(name))
}
