package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileKeywordPattern joins keyword terms into one case-insensitive alternation.
// Terms are regex fragments, so "before[- ]after" keeps its character class.
func CompileKeywordPattern(terms []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.TrimSpace(term); term != "" {
			parts = append(parts, term)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: keyword list is empty", ErrConfigValidation)
	}
	re, err := regexp.Compile("(?i)(" + strings.Join(parts, "|") + ")")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid keyword pattern: %w", ErrConfigValidation, err)
	}
	return re, nil
}
