// Package dataset holds the pre-tokenised prompt sets the engine runs over.
//
// Prompt generation happens elsewhere; a Dataset only carries what a forward
// pass and a metric need: token ids, the per-role position table, and the
// answer token ids.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// Word roles used by IOI prompts.
const (
	RoleIO  = "IO"  // indirect object, the correct answer
	RoleS   = "S"   // first occurrence of the subject
	RoleS1  = "S1"  // token after the first subject occurrence
	RoleS2  = "S2"  // second occurrence of the subject
	RoleEnd = "end" // the token whose next-token prediction is measured
)

// ErrUnknownRole is returned when a role is missing from the position table.
var ErrUnknownRole = errors.New("unknown word role")

// Dataset is an ordered batch of N prompts.
type Dataset struct {
	Name        string           `json:"name,omitempty"`
	TextPrompts []string         `json:"text_prompts"`
	Tokens      [][]int          `json:"tokens"`
	WordIdx     map[string][]int `json:"word_idx"`
	IOTokens    []int            `json:"io_tokens,omitempty"`
	STokens     []int            `json:"s_tokens,omitempty"`
}

// N returns the number of prompts.
func (d *Dataset) N() int {
	return len(d.Tokens)
}

// SeqLen returns the token count of prompt i.
func (d *Dataset) SeqLen(i int) int {
	return len(d.Tokens[i])
}

// Lengths returns every prompt's token count.
func (d *Dataset) Lengths() []int {
	out := make([]int, len(d.Tokens))
	for i, seq := range d.Tokens {
		out[i] = len(seq)
	}
	return out
}

// MaxLen returns the longest prompt length.
func (d *Dataset) MaxLen() int {
	m := 0
	for _, seq := range d.Tokens {
		m = max(m, len(seq))
	}
	return m
}

// Positions returns the per-prompt token index of role. The result is the
// dataset's own table, so position meaning is always relative to each
// prompt rather than a fixed column.
func (d *Dataset) Positions(role string) ([]int, error) {
	idx, ok := d.WordIdx[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q (dataset %s has %v)", ErrUnknownRole, role, d.name(), d.Roles())
	}
	return idx, nil
}

// Roles returns the roles present in the position table, sorted.
func (d *Dataset) Roles() []string {
	roles := make([]string, 0, len(d.WordIdx))
	for r := range d.WordIdx {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	return roles
}

func (d *Dataset) name() string {
	if d.Name == "" {
		return "<unnamed>"
	}
	return d.Name
}

// Validate checks that every table agrees with N and that every role index
// addresses a real token of its prompt.
func (d *Dataset) Validate() error {
	n := d.N()
	if n == 0 {
		return fmt.Errorf("dataset %s: no prompts", d.name())
	}
	if len(d.TextPrompts) != 0 && len(d.TextPrompts) != n {
		return fmt.Errorf("dataset %s: %d text prompts for %d token sequences", d.name(), len(d.TextPrompts), n)
	}
	for i, seq := range d.Tokens {
		if len(seq) == 0 {
			return fmt.Errorf("dataset %s: prompt %d is empty", d.name(), i)
		}
	}
	for _, role := range d.Roles() {
		idx := d.WordIdx[role]
		if len(idx) != n {
			return fmt.Errorf("dataset %s: role %s has %d entries, want %d", d.name(), role, len(idx), n)
		}
		for i, p := range idx {
			if p < 0 || p >= len(d.Tokens[i]) {
				return fmt.Errorf("dataset %s: role %s prompt %d: position %d outside [0,%d)", d.name(), role, i, p, len(d.Tokens[i]))
			}
		}
	}
	if len(d.IOTokens) != 0 && len(d.IOTokens) != n {
		return fmt.Errorf("dataset %s: %d io tokens, want %d", d.name(), len(d.IOTokens), n)
	}
	if len(d.STokens) != 0 && len(d.STokens) != n {
		return fmt.Errorf("dataset %s: %d s tokens, want %d", d.name(), len(d.STokens), n)
	}
	for i := range n {
		if i < len(d.IOTokens) && d.IOTokens[i] < 0 {
			return fmt.Errorf("dataset %s: prompt %d: negative io token %d", d.name(), i, d.IOTokens[i])
		}
		if i < len(d.STokens) && d.STokens[i] < 0 {
			return fmt.Errorf("dataset %s: prompt %d: negative s token %d", d.name(), i, d.STokens[i])
		}
	}
	return nil
}

// Load reads and validates a JSON dataset file.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var d Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Save writes d as indented JSON.
func (d *Dataset) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}
