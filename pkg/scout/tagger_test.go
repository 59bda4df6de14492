package scout

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sl224/casparianflow/pkg/types"
)

func TestTaggerPriorityOrderAndDedup(t *testing.T) {
	rules := []types.RoutingRule{
		{ID: 1, Pattern: "*.csv", Tag: "csv", Priority: 100},
		{ID: 2, Pattern: "data/**", Tag: "data", Priority: 50},
		{ID: 3, Pattern: "*.csv", Tag: "tabular", Priority: 200},
		{ID: 4, Pattern: "**/*.csv", Tag: "csv", Priority: 10}, // duplicate tag
	}
	tagger := NewTagger(rules)

	tags := tagger.Tags("data/a.csv")
	// Priority descending: tabular (200), csv (100), data (50); the
	// second csv contribution deduplicates.
	assert.Equal(t, []string{"tabular", "csv", "data"}, tags)
}

func TestTaggerTieBreakOnID(t *testing.T) {
	rules := []types.RoutingRule{
		{ID: 9, Pattern: "*.log", Tag: "later", Priority: 10},
		{ID: 2, Pattern: "*.log", Tag: "earlier", Priority: 10},
	}
	tagger := NewTagger(rules)
	assert.Equal(t, []string{"earlier", "later"}, tagger.Tags("x.log"))
}

func TestTaggerDeterministic(t *testing.T) {
	rules := []types.RoutingRule{
		{ID: 1, Pattern: "**/*.csv", Tag: "a", Priority: 1},
		{ID: 2, Pattern: "reports/*", Tag: "b", Priority: 2},
	}
	tagger := NewTagger(rules)
	first := tagger.Tags("reports/q1.csv")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, tagger.Tags("reports/q1.csv"))
	}
}

func TestTaggerNoMatch(t *testing.T) {
	tagger := NewTagger([]types.RoutingRule{{ID: 1, Pattern: "*.csv", Tag: "csv", Priority: 1}})
	assert.Empty(t, tagger.Tags("readme.md"))
}

func TestPathFilterBuiltins(t *testing.T) {
	f := NewPathFilter(nil)
	assert.True(t, f.SkipDir(".git", ".git"))
	assert.True(t, f.SkipDir("sub/__pycache__", "__pycache__"))
	assert.False(t, f.SkipDir("src", "src"))
	assert.True(t, f.SkipFile("a/b.tmp", "b.tmp"))
	assert.True(t, f.SkipFile(".DS_Store", ".DS_Store"))
	assert.False(t, f.SkipFile("a/b.csv", "b.csv"))
}

func TestPathFilterRules(t *testing.T) {
	f := NewPathFilter([]string{
		"*.bak",
		"logs/",
		"!important.bak",
		"# a comment",
		"",
	})

	assert.True(t, f.SkipFile("x/old.bak", "old.bak"))
	assert.False(t, f.SkipFile("x/important.bak", "important.bak")) // negated
	assert.True(t, f.SkipDir("logs", "logs"))
	assert.False(t, f.SkipFile("logs.txt", "logs.txt")) // dir-only rule
}
