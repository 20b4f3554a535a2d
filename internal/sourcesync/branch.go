package sourcesync

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	invalidSegment = regexp.MustCompile(`[^a-z0-9]+`)
	pullNumber     = regexp.MustCompile(`/pull/(\d+)`)
)

// NormalizeSegment lowercases s, collapses every run of characters outside
// [a-z0-9] into a single "-" and trims dashes from both ends.
func NormalizeSegment(s string) string {
	return strings.Trim(invalidSegment.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// BranchName derives the deterministic sync branch for a capability:
// {prefix}/{product}/{capability}, each segment normalized. Empty segments
// fall back to fixed placeholders so the ref is always well formed.
func BranchName(prefix, productID, capabilityID string) string {
	return orDefault(NormalizeSegment(prefix), "capflow") + "/" +
		orDefault(NormalizeSegment(productID), "default") + "/" +
		orDefault(NormalizeSegment(capabilityID), "capability")
}

// PullRequestNumber extracts the PR number from a pull request URL.
func PullRequestNumber(url string) (int, bool) {
	m := pullNumber.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
