package activation

import (
	"fmt"
	"io"

	"github.com/samcharles93/lens/internal/safetensors"
)

// WriteSafetensors saves every cached activation, in firing order.
func (c *Cache) WriteSafetensors(w io.Writer, metadata map[string]string) error {
	ts := make([]safetensors.Named, 0, c.Len())
	for _, n := range c.order {
		v := c.acts[n]
		ts = append(ts, safetensors.Named{Name: n, Shape: v.Shape, Data: v.Data})
	}
	return safetensors.Write(w, ts, metadata)
}

// ReadSafetensors loads a cache written by WriteSafetensors.
func ReadSafetensors(path string) (*Cache, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open activation cache: %w", err)
	}
	c := NewCache()
	for _, n := range st.Names() {
		t, err := st.Float32(n)
		if err != nil {
			return nil, err
		}
		c.Put(n, t)
	}
	return c, nil
}
