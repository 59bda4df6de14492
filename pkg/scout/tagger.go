package scout

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sl224/casparianflow/pkg/types"
)

// Tagger evaluates routing rules against file paths. Rules are ordered
// priority descending with id ascending as the tie break, so the tag
// set for a given (path, rules) pair is deterministic.
type Tagger struct {
	rules []types.RoutingRule
}

// NewTagger sorts and retains the rule set
func NewTagger(rules []types.RoutingRule) *Tagger {
	sorted := make([]types.RoutingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Tagger{rules: sorted}
}

// Tags returns all tags contributed by matching rules, in rule order,
// de-duplicated. A pattern without a slash matches the basename; a
// pattern with slashes matches the root-relative path.
func (t *Tagger) Tags(relPath string) []string {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	base := path.Base(relPath)

	var tags []string
	seen := make(map[string]bool)
	for _, rule := range t.rules {
		target := relPath
		if !strings.Contains(rule.Pattern, "/") {
			target = base
		}
		ok, err := doublestar.Match(rule.Pattern, target)
		if err != nil || !ok {
			continue
		}
		if !seen[rule.Tag] {
			seen[rule.Tag] = true
			tags = append(tags, rule.Tag)
		}
	}
	return tags
}
