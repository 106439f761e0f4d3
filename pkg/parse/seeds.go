package parse

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"image-harvester/pkg/utils"
)

// ParseSeeds reads one absolute http(s) URL per line. Blank lines and lines
// starting with '#' are ignored. Invalid lines are reported with their line number.
func ParseSeeds(r io.Reader) ([]string, error) {
	var seeds []string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := ValidateSeed(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		seeds = append(seeds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading seed list: %w", utils.ErrParsing, err)
	}
	return seeds, nil
}

// LoadSeedFile reads a seed list from path
func LoadSeedFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening seed file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()
	return ParseSeeds(f)
}

// ValidateSeed checks that raw is an absolute http(s) URL with a host and
// returns its normalized form
func ValidateSeed(raw string) (string, error) {
	normalized, u, err := ParseAndNormalize(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid seed URL '%s': %w", utils.ErrParsing, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: seed URL '%s' must use http or https", utils.ErrParsing, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: seed URL '%s' has no host", utils.ErrParsing, raw)
	}
	return normalized, nil
}
