package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

const manifestPrefix = "crawl-"

// ManifestPath returns where the manifest for runID is written inside dir
func ManifestPath(dir, runID string) string {
	return filepath.Join(dir, manifestPrefix+runID+".yaml")
}

// WriteManifest writes the run summary as YAML into dir and returns its path.
// An empty dir disables manifests.
func WriteManifest(dir string, manifest *models.CrawlManifest, log *logrus.Entry) (string, error) {
	if dir == "" {
		log.Debug("Run manifests are disabled")
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating manifest dir '%s': %w", utils.ErrFilesystem, dir, err)
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest for run %s: %w", manifest.RunID, err)
	}

	path := ManifestPath(dir, manifest.RunID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: writing manifest '%s': %w", utils.ErrFilesystem, path, err)
	}
	log.WithField("run_id", manifest.RunID).Infof("Wrote crawl manifest to %s", path)
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest
func ReadManifest(path string) (*models.CrawlManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest '%s': %w", utils.ErrFilesystem, path, err)
	}
	var manifest models.CrawlManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest '%s': %w", utils.ErrParsing, path, err)
	}
	return &manifest, nil
}

// LatestManifest returns the most recently finished manifest in dir, or nil if there is none
func LatestManifest(dir string) (*models.CrawlManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing manifests in '%s': %w", utils.ErrFilesystem, dir, err)
	}

	var manifests []*models.CrawlManifest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, manifestPrefix) || filepath.Ext(name) != ".yaml" {
			continue
		}
		m, err := ReadManifest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].FinishedAt.After(manifests[j].FinishedAt)
	})
	return manifests[0], nil
}
