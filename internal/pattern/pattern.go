// Package pattern implements glob-style URL matching for crawl
// include/exclude rules. Only `*` (any run of characters, including
// slashes) and `?` (any single character) are special; everything else
// matches literally. Patterns are anchored to the whole URL.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*regexp.Regexp)
)

// compile translates a glob pattern into an anchored regexp. Compiled
// patterns are cached; crawl loops match the same handful of patterns
// against thousands of URLs.
func compile(pattern string) *regexp.Regexp {
	cacheMu.RLock()
	re, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return re
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		// QuoteMeta makes the translation total; this is unreachable
		// for any input, but a nil entry would panic at match time.
		re = regexp.MustCompile("^$")
	}

	cacheMu.Lock()
	cache[pattern] = re
	cacheMu.Unlock()
	return re
}

// Matches reports whether url matches any of the patterns. An empty
// pattern list matches nothing.
func Matches(url string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if compile(p).MatchString(url) {
			return true
		}
	}
	return false
}

// ShouldInclude applies include/exclude rules to a URL. Exclude wins
// over include; an empty include list admits everything not excluded.
func ShouldInclude(url string, include, exclude []string) bool {
	if Matches(url, exclude) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return Matches(url, include)
}
