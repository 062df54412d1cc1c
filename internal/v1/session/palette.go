package session

import (
	"math/rand"

	"k8s.io/utils/set"
)

var defaultPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9", "#F8C471", "#82E0AA",
}

// nextColorLocked picks the first palette color not currently assigned to
// any user. With the whole palette in use it falls back to a random entry,
// so collisions are possible past the palette size.
func (r *Registry) nextColorLocked() string {
	inUse := set.New[string]()
	for _, p := range r.users {
		inUse.Insert(p.Color)
	}
	for _, color := range r.palette {
		if !inUse.Has(color) {
			return color
		}
	}
	return r.palette[rand.Intn(len(r.palette))]
}
