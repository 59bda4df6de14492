package scout

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Built-in exclusions applied before any user rule. Directory names
// here are pruned from the walk entirely.
var builtinSkipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"__pycache__":  true,
	".casparian":   true,
	"node_modules": true,
	".venv":        true,
	".cache":       true,
}

var builtinSkipFiles = []string{
	"*.tmp",
	"*.swp",
	"*.part",
	"*~",
	".DS_Store",
	"Thumbs.db",
}

type ignoreRule struct {
	pattern string
	negate  bool
	dirOnly bool
}

// PathFilter excludes walk entries using the built-in list plus ordered
// gitignore-style rules. Later rules win, and a leading "!" re-includes.
type PathFilter struct {
	rules []ignoreRule
}

// NewPathFilter compiles the configured ignore rules. Rules use
// gitignore syntax restricted to glob patterns: "logs/", "*.bak",
// "!keep.bak". Invalid patterns are dropped.
func NewPathFilter(lines []string) *PathFilter {
	f := &PathFilter{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			rule.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		line = strings.TrimPrefix(line, "/")
		if !doublestar.ValidatePattern(line) {
			continue
		}
		rule.pattern = line
		f.rules = append(f.rules, rule)
	}
	return f
}

// SkipDir reports whether a directory (by name and root-relative path)
// is excluded from the walk
func (f *PathFilter) SkipDir(relPath, name string) bool {
	if builtinSkipDirs[name] {
		return true
	}
	return f.matches(relPath, true)
}

// SkipFile reports whether a file is excluded
func (f *PathFilter) SkipFile(relPath, name string) bool {
	for _, pat := range builtinSkipFiles {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return f.matches(relPath, false)
}

func (f *PathFilter) matches(relPath string, isDir bool) bool {
	relPath = path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	ignored := false
	for _, rule := range f.rules {
		if rule.dirOnly && !isDir {
			continue
		}
		target := relPath
		if !strings.Contains(rule.pattern, "/") {
			target = path.Base(relPath)
		}
		ok, err := doublestar.Match(rule.pattern, target)
		if err != nil || !ok {
			continue
		}
		ignored = !rule.negate
	}
	return ignored
}
