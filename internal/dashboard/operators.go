package dashboard

import (
	"hash/fnv"
	"os/user"
	"strings"

	"github.com/session-observatory/daemon/internal/config"
	"github.com/session-observatory/daemon/internal/rollout"
)

// Operator is one logical owner of rollout directories: the local user or
// a configured peer.
type Operator struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Online bool   `json:"online"`
}

// OperatorSource pairs an operator identity with the rollout roots it
// owns. The local user always contributes one with the default roots.
type OperatorSource struct {
	Operator Operator
	Roots    rollout.Roots
}

// palette is the fixed color rotation for operators; self always takes
// the first slot.
var palette = []string{
	"#4fc3f7", "#ff8a65", "#aed581", "#ba68c8",
	"#ffd54f", "#4db6ac", "#f06292", "#90a4ae",
}

// SelfOperator derives the local operator from the OS username.
func SelfOperator() Operator {
	name := "self"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return Operator{ID: "self", Name: name, Color: palette[0]}
}

// PeerOperator builds a stable operator identity for a configured peer.
// The id is derived from the name so it survives reordering of the config
// file; colors rotate through the palette by that id's hash.
func PeerOperator(name string) Operator {
	id := operatorID(name)
	h := fnv.New32a()
	h.Write([]byte(id))
	rest := palette[1:]
	return Operator{ID: id, Name: name, Color: rest[h.Sum32()%uint32(len(rest))]}
}

// Sources expands the operator roster into per-operator rollout roots.
// Self always comes first with the given roots; the roster may rename it.
// Peers with no usable root are skipped.
func Sources(file config.OperatorFile, selfRoots rollout.Roots) []OperatorSource {
	self := SelfOperator()
	if file.SelfName != "" {
		self.Name = file.SelfName
	}
	out := []OperatorSource{{Operator: self, Roots: selfRoots}}

	for _, entry := range file.Operators {
		if entry.Name == "" || (entry.Claude == "" && entry.Codex == "") {
			continue
		}
		out = append(out, OperatorSource{
			Operator: PeerOperator(entry.Name),
			Roots:    rollout.Roots{Claude: entry.Claude, Codex: entry.Codex},
		})
	}
	return out
}

func operatorID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, id)
	return strings.Trim(id, "-")
}
