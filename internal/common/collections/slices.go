// Package collections contains small generic helpers shared by the
// offer-matching core.
package collections

import (
	"math/rand"

	"golang.org/x/exp/slices"
)

// Shuffle shuffles s in place using a uniform random permutation. Used by
// the offer matcher manager to randomize matcher rotation order at the
// start of each offer's processing round. golang.org/x/exp/slices has no
// shuffle primitive, so this one case stays on math/rand.
func Shuffle[S ~[]E, E any](s S) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// Clone returns a shallow copy of s.
func Clone[S ~[]E, E any](s S) S {
	return slices.Clone(s)
}

// Remove returns a copy of s with the first element equal to e (by eq)
// removed, or s itself (sharing its backing array) if e is absent.
func Remove[S ~[]E, E any](s S, e E, eq func(E, E) bool) S {
	i := slices.IndexFunc(s, func(v E) bool { return eq(v, e) })
	if i < 0 {
		return s
	}
	out := slices.Clone(s)
	return slices.Delete(out, i, i+1)
}
