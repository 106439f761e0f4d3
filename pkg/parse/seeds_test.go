package parse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-harvester/pkg/utils"
)

func TestParseSeeds(t *testing.T) {
	input := `# satellite imagery sources
https://www.maxar.com/news

  https://www.planet.com/pulse/   
# disabled: https://example.com/
http://127.0.0.1:8080/page
`
	seeds, err := ParseSeeds(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.maxar.com/news",
		"https://www.planet.com/pulse/",
		"http://127.0.0.1:8080/page",
	}, seeds)
}

func TestParseSeeds_Empty(t *testing.T) {
	seeds, err := ParseSeeds(strings.NewReader("\n# nothing here\n\n"))
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestParseSeeds_RejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"relative", "https://ok.example/\n/just/a/path\n"},
		{"ftp", "ftp://files.example.com/a"},
		{"no scheme", "example.com/page"},
		{"no host", "http:///nohost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeeds(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrParsing)
		})
	}
}

func TestParseSeeds_ReportsLineNumber(t *testing.T) {
	_, err := ParseSeeds(strings.NewReader("https://a.example/\n\nnot a url\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(path, []byte("https://a.example/\n"), 0o644))

	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/"}, seeds)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}

func TestValidateSeed_Normalizes(t *testing.T) {
	got, err := ValidateSeed("HTTPS://Example.COM:443/News/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/News", got)
}
