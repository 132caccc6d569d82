package model

import (
	"fmt"
	"strings"
)

// Hook sites of the reference transformer.
const (
	HookEmbed    = "hook_embed"
	HookPosEmbed = "hook_pos_embed"

	ActResidPre  = "resid_pre"
	ActQ         = "q"
	ActK         = "k"
	ActV         = "v"
	ActPattern   = "attn"
	ActZ         = "z"
	ActResult    = "result"
	ActAttnOut   = "attn_out"
	ActResidMid  = "resid_mid"
	ActMLPOut    = "mlp_out"
	ActResidPost = "resid_post"
)

// ActName returns the hook name of an activation kind at a layer, for example
// ActName(ActResult, 9) == "blocks.9.attn.hook_result".
func ActName(kind string, layer int) string {
	switch kind {
	case ActQ, ActK, ActV, ActPattern, ActZ, ActResult:
		return fmt.Sprintf("blocks.%d.attn.hook_%s", layer, kind)
	default:
		return fmt.Sprintf("blocks.%d.hook_%s", layer, kind)
	}
}

// HeadAxis returns the dimension that indexes attention heads in the tensor
// flowing through the given activation kind, or -1 when the activation is
// not split by head.
func HeadAxis(kind string) int {
	switch kind {
	case ActQ, ActK, ActV, ActZ, ActResult:
		return 2 // [batch, pos, head, ...]
	case ActPattern:
		return 1 // [batch, head, query, key]
	default:
		return -1
	}
}

// KindOf returns the activation kind of a hook name, the part after the last
// "hook_" ("blocks.3.attn.hook_z" gives "z", "hook_embed" gives "embed").
func KindOf(name string) string {
	if i := strings.LastIndex(name, "hook_"); i >= 0 {
		return name[i+len("hook_"):]
	}
	return name
}
