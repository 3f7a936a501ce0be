package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList holds the models whose responses are never cached.
// Exact rules compare case-insensitively; patterns are regular expressions
// matched against the model name as given.
//
// A nil *ExclusionList matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList builds a list from exact model names and regex patterns.
// Blank entries are ignored. An invalid pattern is an error.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e = strings.TrimSpace(e); e != "" {
			el.exact[strings.ToLower(e)] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

func (el *ExclusionList) Matches(model string) bool {
	if el == nil || model == "" {
		return false
	}
	if _, ok := el.exact[strings.ToLower(model)]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
