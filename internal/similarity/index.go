// Package similarity flags likely-duplicate ideas with a lexical Jaccard
// score over lowercase alphanumeric tokens.
package similarity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danielolaszy/capflow/pkg/models"
)

const (
	// DuplicateThreshold is the similarity at which the top match is reported.
	DuplicateThreshold = 0.45
	// ApprovedBoost is added to the ranking score of approved ideas.
	ApprovedBoost = 0.05
	// MinLimit and MaxLimit bound the number of returned matches.
	MinLimit = 1
	MaxLimit = 12

	minTokenLength = 3
)

// TokenSet is a set of normalized tokens.
type TokenSet map[string]struct{}

// Tokenize splits texts into lowercase alphanumeric tokens longer than two
// characters.
func Tokenize(texts ...string) TokenSet {
	set := make(TokenSet)
	for _, text := range texts {
		fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return (r < 'a' || r > 'z') && (r < '0' || r > '9')
		})
		for _, f := range fields {
			if len(f) >= minTokenLength {
				set[f] = struct{}{}
			}
		}
	}
	return set
}

// IdeaTokens tokenizes an idea's title, description and detail fields.
func IdeaTokens(idea *models.Idea) TokenSet {
	d := idea.Details
	texts := []string{idea.Title, idea.Description, d.ProblemStatement, d.Persona, d.BusinessGoal}
	texts = append(texts, d.AcceptanceCriteria...)
	texts = append(texts, d.Constraints...)
	texts = append(texts, d.NonGoals...)
	return Tokenize(texts...)
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b TokenSet) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Match is one ranked candidate.
type Match struct {
	IdeaID     string  `json:"ideaId"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// Warning is the advisory attached to an idea that looks like a duplicate.
type Warning struct {
	IdeaID     string  `json:"ideaId"`
	Similarity float64 `json:"similarity"`
	Message    string  `json:"message"`
}

// Result is the outcome of a query.
type Result struct {
	Matches          []Match  `json:"matches"`
	DuplicateWarning *Warning `json:"duplicateWarning"`
}

type entry struct {
	idea   *models.Idea
	tokens TokenSet
}

// Index is a scoped corpus of ideas.
type Index struct {
	entries []entry
}

// NewIndex tokenizes the corpus once.
func NewIndex(ideas []*models.Idea) *Index {
	ix := &Index{entries: make([]entry, 0, len(ideas))}
	for _, idea := range ideas {
		ix.entries = append(ix.entries, entry{idea: idea, tokens: IdeaTokens(idea)})
	}
	return ix
}

// ClampLimit bounds a caller-supplied limit to [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Query ranks the corpus against tokens, skipping excludeID. Ranking uses
// the unclamped score so the approved boost still orders exact matches.
func (ix *Index) Query(tokens TokenSet, limit int, excludeID string) Result {
	type ranked struct {
		match Match
		raw   float64
	}
	candidates := make([]ranked, 0, len(ix.entries))
	for _, e := range ix.entries {
		if e.idea.ID == excludeID {
			continue
		}
		sim := Jaccard(tokens, e.tokens)
		score := sim
		if e.idea.Status == models.IdeaStatusApproved {
			score += ApprovedBoost
		}
		candidates = append(candidates, ranked{
			raw: score,
			match: Match{
				IdeaID:     e.idea.ID,
				Title:      e.idea.Title,
				Status:     e.idea.Status,
				Similarity: round4(clamp01(sim)),
				Score:      round4(clamp01(score)),
			},
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].raw != candidates[j].raw {
			return candidates[i].raw > candidates[j].raw
		}
		return candidates[i].match.IdeaID < candidates[j].match.IdeaID
	})

	if n := ClampLimit(limit); len(candidates) > n {
		candidates = candidates[:n]
	}

	result := Result{Matches: make([]Match, 0, len(candidates))}
	for _, c := range candidates {
		result.Matches = append(result.Matches, c.match)
	}
	if len(result.Matches) > 0 && result.Matches[0].Similarity >= DuplicateThreshold {
		top := result.Matches[0]
		result.DuplicateWarning = &Warning{
			IdeaID:     top.IdeaID,
			Similarity: top.Similarity,
			Message: fmt.Sprintf("Possible duplicate of idea %s (%d%% similar)",
				top.IdeaID, int(math.Round(top.Similarity*100))),
		}
	}
	return result
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
