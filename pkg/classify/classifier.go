package classify

import (
	"regexp"
	"strings"

	"image-harvester/pkg/config"
	"image-harvester/pkg/utils"
)

// DefaultProvider is used when no provider token matches
const DefaultProvider = "web"

// Classifier decides which image candidates are worth ingesting and whom to credit for them
type Classifier struct {
	keywords  *regexp.Regexp
	providers []config.ProviderRule
}

// New compiles the keyword list. Providers are checked in the given order.
func New(keywords []string, providers []config.ProviderRule) (*Classifier, error) {
	re, err := utils.CompileKeywordPattern(keywords)
	if err != nil {
		return nil, err
	}
	rules := make([]config.ProviderRule, len(providers))
	for i, p := range providers {
		rules[i] = config.ProviderRule{Token: strings.ToLower(p.Token), Name: p.Name}
	}
	return &Classifier{keywords: re, providers: rules}, nil
}

// FromConfig builds a Classifier from a validated AppConfig
func FromConfig(cfg *config.AppConfig) (*Classifier, error) {
	return New(cfg.Keywords, cfg.Providers)
}

// ShouldIngest reports whether a keyword occurs in the image URL or its alt text.
// Anything without a match is rejected.
func (c *Classifier) ShouldIngest(imageURL, altText string) bool {
	return c.keywords.MatchString(imageURL) || (altText != "" && c.keywords.MatchString(altText))
}

// InferProvider returns the name of the first provider whose token appears in
// the referrer or image URL, or "web".
func (c *Classifier) InferProvider(referrerURL, imageURL string) string {
	haystack := strings.ToLower(referrerURL + " " + imageURL)
	for _, p := range c.providers {
		if strings.Contains(haystack, p.Token) {
			return p.Name
		}
	}
	return DefaultProvider
}
