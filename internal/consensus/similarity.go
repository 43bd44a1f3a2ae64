package consensus

import (
	"regexp"
	"strings"

	"github.com/opsloop/agentcore/pkg/types"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopWords are excluded from bag-of-words comparisons; kept short and
// domain-agnostic, not a full NLP stopword list.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "of": true,
	"to": true, "and": true, "or": true, "in": true, "on": true, "for": true,
	"it": true, "this": true, "that": true, "with": true, "as": true,
	"be": true, "at": true, "by": true, "we": true, "i": true, "its": true,
}

// tokenize lowercases text and splits it into a deduplicated bag of
// words with stop-words removed.
func tokenize(text string) map[string]struct{} {
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)
	bag := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		bag[w] = struct{}{}
	}
	return bag
}

// jaccardSimilarity computes |A∩B| / |A∪B| over the bag-of-words sets
// of a and b. Two empty sets are defined as identical (similarity 1).
func jaccardSimilarity(a, b string) float64 {
	setA := tokenize(a)
	setB := tokenize(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// maxSimilarityToOthers returns the highest Jaccard similarity between
// viewpoints[i]'s position and every other viewpoint's position. Labeling
// is relative to the other viewpoints in play, not the proposal text
// itself — two viewpoints phrased very differently from the proposal but
// in close agreement with each other still count as aligned.
func maxSimilarityToOthers(viewpoints []types.ViewPoint, i int) float64 {
	best := 0.0
	for j, other := range viewpoints {
		if j == i {
			continue
		}
		if sim := jaccardSimilarity(viewpoints[i].Position, other.Position); sim > best {
			best = sim
		}
	}
	return best
}

// oppositionMarkers are words whose presence signals an objecting stance.
var oppositionMarkers = []string{"oppose", "against", "risk", "reject", "disagree", "object", "no"}

func hasOppositionMarker(text string) bool {
	bag := tokenize(text)
	for _, marker := range oppositionMarkers {
		if _, ok := bag[marker]; ok {
			return true
		}
	}
	return false
}

// commonGround returns the intersection of a and b's tokens, restricted
// to words at least 3 characters long.
func commonGround(a, b string) []string {
	setA := tokenize(a)
	setB := tokenize(b)

	var common []string
	for w := range setA {
		if len(w) < 3 {
			continue
		}
		if _, ok := setB[w]; ok {
			common = append(common, w)
		}
	}
	return common
}
