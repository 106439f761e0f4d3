package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-harvester/pkg/config"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// baseArgs points the store and downloads at a temp dir and disables PDF extraction
func baseArgs(t *testing.T) []string {
	t.Helper()
	args, _ := baseArgsIn(t, t.TempDir())
	return args
}

func baseArgsIn(t *testing.T, dir string) ([]string, string) {
	t.Helper()
	cfgPath := writeFile(t, dir, "config.yaml", "pdf_extractor: none\nnum_workers: 2\n")
	return []string{
		"--config", cfgPath,
		"--store", filepath.Join(dir, "state"),
		"--download-dir", filepath.Join(dir, "images"),
		"--rate-limit", "1ms",
		"--min-bytes", "64",
		"--log-level", "error",
	}, filepath.Join(dir, "images")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "harvester "+version+"\n", stdout)
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCLI(t, "--help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "crawl")
	assert.Contains(t, stdout, "mcp-server")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"scrape"}},
		{"unknown flag", []string{"crawl", "--bogus"}},
		{"ingest without url", []string{"ingest"}},
		{"bad transport", []string{"mcp-server", "--transport", "grpc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestRun_CrawlArgumentChecks(t *testing.T) {
	t.Run("no seeds", func(t *testing.T) {
		code, _, stderr := runCLI(t, append(baseArgs(t), "crawl")...)
		assert.Equal(t, exitUsage, code)
		assert.Contains(t, stderr, "no seed URLs")
	})

	t.Run("depth out of range", func(t *testing.T) {
		code, _, stderr := runCLI(t, append(baseArgs(t), "crawl", "--depth", "3", "https://a.example/")...)
		assert.Equal(t, exitUsage, code)
		assert.Contains(t, stderr, "--depth must be 0 or 1")
	})

	t.Run("missing seed file", func(t *testing.T) {
		code, _, _ := runCLI(t, append(baseArgs(t), "crawl", "--seeds", "/nonexistent/seeds.txt")...)
		assert.Equal(t, exitFailure, code)
	})
}

func TestRun_Validate(t *testing.T) {
	t.Run("valid with feeds", func(t *testing.T) {
		dir := t.TempDir()
		csvPath := writeFile(t, dir, "feeds.csv", "name,url\nagency,https://news.example/rss.xml\nwire,https://wire.example/feed\n")
		cfgPath := writeFile(t, dir, "config.yaml", `
store_dir: `+filepath.Join(dir, "state")+`
download_dir: `+filepath.Join(dir, "images")+`
seeds:
  - https://a.example/
feeds:
  csv_path: `+csvPath+`
`)
		code, stdout, stderr := runCLI(t, "--config", cfgPath, "validate")
		require.Equal(t, exitOK, code, stderr)
		assert.Contains(t, stdout, "OK: 1 configured seeds")
		assert.Contains(t, stdout, "OK: 2 feed sources")
		assert.Contains(t, stdout, "Configuration valid.")
	})

	t.Run("invalid store driver", func(t *testing.T) {
		cfgPath := writeFile(t, t.TempDir(), "config.yaml", "store_driver: mongo\n")
		code, _, stderr := runCLI(t, "--config", cfgPath, "validate")
		assert.Equal(t, exitUsage, code)
		assert.Contains(t, stderr, "store_driver")
	})

	t.Run("missing config file", func(t *testing.T) {
		code, _, stderr := runCLI(t, "--config", "/nonexistent/config.yaml", "validate")
		assert.Equal(t, exitFailure, code)
		assert.Contains(t, stderr, "read config")
	})
}

func TestRun_IngestThenStats(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 512)
	copy(body, "\x89PNG\r\n\x1a\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/damage.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer server.Close()

	dir := t.TempDir()
	args, imagesDir := baseArgsIn(t, dir)

	code, stdout, stderr := runCLI(t, append(args, "ingest", "--referrer", server.URL+"/report", server.URL+"/maps/damage.png")...)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "saved ")

	code, stdout, stderr = runCLI(t, append(args, "ingest", server.URL+"/maps/damage.png")...)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "skipped:")

	visitedLog := filepath.Join(dir, "visited.tsv")
	code, stdout, stderr = runCLI(t, append(args, "stats", "--verify", "--visited-log", visitedLog)...)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Saved images:   1")
	assert.Contains(t, stdout, "all saved images match")
	assert.FileExists(t, visitedLog)

	saved, err := filepath.Glob(filepath.Join(imagesDir, "*"))
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.NoError(t, os.WriteFile(saved[0], []byte("tampered"), 0o644))

	code, stdout, _ = runCLI(t, append(args, "stats", "--verify")...)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stdout, "ALTERED")
}

func TestWatchTasks(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.AppConfig{}
	assert.Empty(t, watchTasks(nil, cfg, "", "", log))

	cfg.Seeds = []string{"https://a.example/"}
	tasks := watchTasks(nil, cfg, "", "feeds.csv", log)
	require.Len(t, tasks, 2)
	assert.Equal(t, "crawl", tasks[0].Name)
	assert.Equal(t, "feeds", tasks[1].Name)
}
