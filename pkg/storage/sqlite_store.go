package storage

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"image-harvester/pkg/log"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const sqliteDBFile = "harvest.db"

// SQLiteStore implements ResourceCache on a single SQLite file with the
// seen_urls / resources / images tables.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Entry
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) stateDir/harvest.db and applies pending migrations
func NewSQLiteStore(ctx context.Context, stateDir string, logger *logrus.Entry) (*SQLiteStore, error) {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrStorage, stateDir, err)
	}
	dbPath := filepath.Join(stateDir, sqliteDBFile)
	logger.Infof("Initializing resource cache at: %s", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", utils.ErrStorage, err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %w", utils.ErrStorage, pragma, err)
		}
	}

	store := &SQLiteStore{db: db, dbPath: dbPath, log: logger, now: time.Now}
	version, err := store.migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Infof("Resource cache initialized successfully (schema version %d).", version)
	return store, nil
}

// migrate applies embedded migrations. Migrations only ever add tables or columns.
func (s *SQLiteStore) migrate() (uint, error) {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create sqlite migration driver: %w", utils.ErrStorage, err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create iofs source: %w", utils.ErrStorage, err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create migrate instance: %w", utils.ErrStorage, err)
	}
	m.Log = log.NewMigrateLogrusAdapter(s.log.WithField("component", "migrate"))

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("%w: failed to run migrations: %w", utils.ErrStorage, err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get migration version: %w", utils.ErrStorage, err)
	}
	if dirty {
		return version, fmt.Errorf("%w: schema version %d is dirty", utils.ErrStorage, version)
	}
	return version, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// parseTimestamp reads RFC3339 text, falling back to the integer epoch seconds
// written by older crawler.db files. NULL or garbage reads as the zero time.
func parseTimestamp(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(v.String, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if secs, err := strconv.ParseFloat(v.String, 64); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	}
	return time.Time{}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// IsURLNew implements URLStore
func (s *SQLiteStore) IsURLNew(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_urls WHERE url = ?`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking seen url '%s': %w", utils.ErrStorage, url, err)
	}
	return false, nil
}

// MarkVisited implements URLStore
func (s *SQLiteStore) MarkVisited(ctx context.Context, url string, status int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_urls (url, last_seen, last_status, error) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_status = excluded.last_status,
			error = excluded.error`,
		url, s.timestamp(), status, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("%w: marking '%s' visited: %w", utils.ErrStorage, url, err)
	}
	return nil
}

// GetSeenURL implements URLStore
func (s *SQLiteStore) GetSeenURL(ctx context.Context, url string) (*models.SeenURL, error) {
	var (
		lastSeen sql.NullString
		entry    = models.SeenURL{URL: url}
		errMsg   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen, last_status, error FROM seen_urls WHERE url = ?`, url).
		Scan(&lastSeen, &entry.LastStatus, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading seen url '%s': %w", utils.ErrStorage, url, err)
	}
	entry.LastSeenAt = parseTimestamp(lastSeen)
	entry.Error = errMsg.String
	return &entry, nil
}

// GetConditionalMetadata implements HeadStore
func (s *SQLiteStore) GetConditionalMetadata(ctx context.Context, url string) (models.Validators, error) {
	var (
		etag, lastMod sql.NullString
		length        sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, last_modified, content_length FROM resources WHERE url = ?`, url).
		Scan(&etag, &lastMod, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Validators{}, nil
	}
	if err != nil {
		return models.Validators{}, fmt.Errorf("%w: reading resource head '%s': %w", utils.ErrStorage, url, err)
	}
	v := models.Validators{ETag: etag.String, LastModified: lastMod.String}
	if length.Valid {
		n := length.Int64
		v.ContentLength = &n
	}
	return v, nil
}

// RecordConditionalMetadata implements HeadStore
func (s *SQLiteStore) RecordConditionalMetadata(ctx context.Context, url string, v models.Validators) error {
	var length sql.NullInt64
	if v.ContentLength != nil {
		length = sql.NullInt64{Int64: *v.ContentLength, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (url, etag, last_modified, content_length, last_checked) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			content_length = excluded.content_length,
			last_checked = excluded.last_checked`,
		url, nullString(v.ETag), nullString(v.LastModified), length, s.timestamp())
	if err != nil {
		return fmt.Errorf("%w: recording resource head '%s': %w", utils.ErrStorage, url, err)
	}
	return nil
}

// RecordHeadCheck implements HeadStore
func (s *SQLiteStore) RecordHeadCheck(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (url, last_checked) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET last_checked = excluded.last_checked`,
		url, s.timestamp())
	if err != nil {
		return fmt.Errorf("%w: stamping head check for '%s': %w", utils.ErrStorage, url, err)
	}
	return nil
}

// HasContent implements ContentStore
func (s *SQLiteStore) HasContent(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM images WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking content '%s': %w", utils.ErrStorage, hash, err)
	}
	return true, nil
}

// RecordContent implements ContentStore
func (s *SQLiteStore) RecordContent(ctx context.Context, img models.SavedImage) error {
	if img.ContentHash == "" {
		return fmt.Errorf("%w: saved image has empty content hash", utils.ErrStorage)
	}
	created := img.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO images
			(hash, filename, image_url, source_url, provider, downloaded, created_at, content_type, capture_time, camera)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ContentHash, img.Filename, img.ImageURL, img.SourceURL, img.Provider, img.Downloaded,
		created.UTC().Format(time.RFC3339Nano),
		nullString(img.ContentType), nullString(img.CaptureTime), nullString(img.Camera))
	if err != nil {
		return fmt.Errorf("%w: recording content '%s': %w", utils.ErrStorage, img.ContentHash, err)
	}
	return nil
}

const imageColumns = `hash, filename, image_url, source_url, provider, downloaded, created_at, content_type, capture_time, camera`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (models.SavedImage, error) {
	var (
		img                                 models.SavedImage
		imageURL, sourceURL, provider       sql.NullString
		created                             sql.NullString
		downloaded                          sql.NullBool
		contentType, captureTime, cameraCol sql.NullString
	)
	err := row.Scan(&img.ContentHash, &img.Filename, &imageURL, &sourceURL, &provider, &downloaded,
		&created, &contentType, &captureTime, &cameraCol)
	if err != nil {
		return img, err
	}
	img.Downloaded = downloaded.Bool
	img.ImageURL = imageURL.String
	img.SourceURL = sourceURL.String
	img.Provider = provider.String
	img.CreatedAt = parseTimestamp(created)
	img.ContentType = contentType.String
	img.CaptureTime = captureTime.String
	img.Camera = cameraCol.String
	return img, nil
}

// GetImage implements ContentStore
func (s *SQLiteStore) GetImage(ctx context.Context, hash string) (*models.SavedImage, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading image '%s': %w", utils.ErrStorage, hash, err)
	}
	return &img, nil
}

// ListImages implements ContentStore. Rows are buffered first so fn may call back into the store.
func (s *SQLiteStore) ListImages(ctx context.Context, fn func(models.SavedImage) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("%w: listing images: %w", utils.ErrStorage, err)
	}
	var images []models.SavedImage
	for rows.Next() {
		img, errScan := scanImage(rows)
		if errScan != nil {
			rows.Close()
			return fmt.Errorf("%w: scanning image row: %w", utils.ErrStorage, errScan)
		}
		images = append(images, img)
	}
	errRows := rows.Err()
	rows.Close()
	if errRows != nil {
		return fmt.Errorf("%w: listing images: %w", utils.ErrStorage, errRows)
	}

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(img); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements StoreAdmin
func (s *SQLiteStore) Stats(ctx context.Context) (models.StoreStats, error) {
	var stats models.StoreStats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM seen_urls),
		(SELECT COUNT(*) FROM resources),
		(SELECT COUNT(*) FROM images)`).
		Scan(&stats.SeenURLs, &stats.ResourceHeads, &stats.SavedImages)
	if err != nil {
		return stats, fmt.Errorf("%w: counting rows: %w", utils.ErrStorage, err)
	}
	return stats, nil
}

// WriteVisitedLog implements StoreAdmin
func (s *SQLiteStore) WriteVisitedLog(ctx context.Context, filePath string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT url, last_status FROM seen_urls ORDER BY url`)
	if err != nil {
		return fmt.Errorf("%w: reading seen urls: %w", utils.ErrStorage, err)
	}
	defer rows.Close()

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	for rows.Next() {
		var (
			url    string
			status int
		)
		if err := rows.Scan(&url, &status); err != nil {
			return fmt.Errorf("%w: scanning seen url: %w", utils.ErrStorage, err)
		}
		if _, err := writer.WriteString(strconv.Itoa(status) + "\t" + url + "\n"); err != nil {
			return fmt.Errorf("%w: write visited log: %w", utils.ErrFilesystem, err)
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: reading seen urls: %w", utils.ErrStorage, err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	s.log.Infof("Finished writing %d URLs to visited log: %s", written, filePath)
	return nil
}

// RunGC periodically checkpoints the WAL and refreshes planner statistics
func (s *SQLiteStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.log.Errorf("SQLite checkpoint error: %v", err)
			}
			if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
				s.log.Errorf("SQLite optimize error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close implements StoreAdmin
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", utils.ErrStorage, err)
	}
	s.log.Info("Resource cache closed.")
	return nil
}
