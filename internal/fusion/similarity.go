package fusion

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Similarity returns a normalized edit-distance score in [0,1] between two
// texts, 1.0 being identical. Comparison is case-insensitive and ignores
// runs of whitespace so "HELLO  world" and "hello world" compare equal.
func Similarity(a, b string) float64 {
	na := normalize(a)
	nb := normalize(b)
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	return 1 - float64(dist)/float64(longest)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
