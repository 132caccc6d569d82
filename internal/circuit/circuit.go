// Package circuit describes hypothesised circuits as groups of attention
// heads and ablates everything outside a circuit.
package circuit

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lens/internal/dataset"
)

// ErrUnknownGroup is returned when a group name is not part of a Spec.
var ErrUnknownGroup = errors.New("unknown circuit group")

// HeadID addresses one attention head.
type HeadID struct {
	Layer int `json:"layer" yaml:"layer"`
	Head  int `json:"head" yaml:"head"`
}

func (h HeadID) String() string {
	return fmt.Sprintf("%d.%d", h.Layer, h.Head)
}

// Compare orders heads by layer, then head.
func (h HeadID) Compare(o HeadID) int {
	if h.Layer != o.Layer {
		return h.Layer - o.Layer
	}
	return h.Head - o.Head
}

// Group is a named set of heads. Roles lists the token positions the heads
// are believed to matter at; empty means every position.
type Group struct {
	Name  string   `json:"name" yaml:"name"`
	Heads []HeadID `json:"heads" yaml:"heads"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// Spec is a named, ordered partition of heads into groups.
type Spec struct {
	Name   string  `json:"name" yaml:"name"`
	Groups []Group `json:"groups" yaml:"groups"`
}

// IOI group names.
const (
	NameMover         = "name mover"
	NegativeNameMover = "negative"
	S2Inhibition      = "s2 inhibition"
	Induction         = "induction"
	DuplicateToken    = "duplicate token"
	PreviousToken     = "previous token"
)

// IOI returns the indirect object identification circuit found in GPT-2
// small, with the positions each group attends from.
func IOI() Spec {
	return Spec{
		Name: "ioi",
		Groups: []Group{
			{Name: NameMover, Heads: []HeadID{{9, 9}, {10, 0}, {9, 6}}, Roles: []string{dataset.RoleEnd}},
			{Name: NegativeNameMover, Heads: []HeadID{{10, 7}, {11, 10}}, Roles: []string{dataset.RoleEnd}},
			{Name: S2Inhibition, Heads: []HeadID{{7, 3}, {7, 9}, {8, 6}, {8, 10}}, Roles: []string{dataset.RoleEnd}},
			{Name: Induction, Heads: []HeadID{{5, 5}, {5, 8}, {5, 9}, {6, 9}}, Roles: []string{dataset.RoleS2}},
			{Name: DuplicateToken, Heads: []HeadID{{0, 1}, {0, 10}, {3, 0}}, Roles: []string{dataset.RoleS2}},
			{Name: PreviousToken, Heads: []HeadID{{2, 2}, {4, 11}}, Roles: []string{dataset.RoleS1}},
		},
	}
}

// Group returns the named group.
func (s Spec) Group(name string) (Group, error) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %q in circuit %s", ErrUnknownGroup, name, s.Name)
}

// Heads returns the heads of the named groups, or of every group when none
// are named, sorted and without duplicates.
func (s Spec) Heads(groups ...string) ([]HeadID, error) {
	var out []HeadID
	if len(groups) == 0 {
		for _, g := range s.Groups {
			out = append(out, g.Heads...)
		}
	} else {
		for _, name := range groups {
			g, err := s.Group(name)
			if err != nil {
				return nil, err
			}
			out = append(out, g.Heads...)
		}
	}
	slices.SortFunc(out, HeadID.Compare)
	return slices.Compact(out), nil
}

// Roles returns the positions a head is kept at, merged over every group
// listing it. A nil result means every position.
func (s Spec) Roles(h HeadID) []string {
	var roles []string
	for _, g := range s.Groups {
		if !slices.Contains(g.Heads, h) {
			continue
		}
		if len(g.Roles) == 0 {
			return nil
		}
		for _, r := range g.Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}

// Validate checks that every head fits a model with the given shape and
// that no head appears in two groups.
func (s Spec) Validate(layers, heads int) error {
	seen := map[HeadID]string{}
	for _, g := range s.Groups {
		for _, h := range g.Heads {
			if h.Layer < 0 || h.Layer >= layers || h.Head < 0 || h.Head >= heads {
				return fmt.Errorf("circuit %s group %q: head %v outside %d layers x %d heads", s.Name, g.Name, h, layers, heads)
			}
			if other, dup := seen[h]; dup {
				return fmt.Errorf("circuit %s: head %v in both %q and %q", s.Name, h, other, g.Name)
			}
			seen[h] = g.Name
		}
	}
	return nil
}

// Mask returns a layers x heads table that is true for kept heads.
func Mask(layers, heads int, keep []HeadID) [][]bool {
	m := make([][]bool, layers)
	for l := range m {
		m[l] = make([]bool, heads)
	}
	for _, h := range keep {
		if h.Layer >= 0 && h.Layer < layers && h.Head >= 0 && h.Head < heads {
			m[h.Layer][h.Head] = true
		}
	}
	return m
}
