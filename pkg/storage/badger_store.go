package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/log"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

const (
	seenKeyPrefix  = "seen:"      // Prefix for SeenURL keys
	headKeyPrefix  = "head:"      // Prefix for ResourceHead keys
	imageKeyPrefix = "img:"       // Prefix for SavedImage keys (content hash)
	badgerDBDir    = "harvest_db" // Subdirectory name within the store path for Badger files
)

// BadgerStore implements ResourceCache using BadgerDB with JSON values under prefixed keys
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
	now func() time.Time
}

// NewBadgerStore opens (or creates) the store under stateDir. State persists across runs.
func NewBadgerStore(ctx context.Context, stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, badgerDBDir)
	logger.Infof("Initializing resource cache at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrStorage, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrStorage, dbPath, err)
	}

	logger.Info("Resource cache initialized successfully.")
	return &BadgerStore{db: db, log: logger, now: time.Now}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on the same key can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries", maxConflictRetries)
}

// getJSON decodes the value at key into out. Returns false if the key is absent.
func (s *BadgerStore) getJSON(key string, out any) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get([]byte(key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			if errJson := json.Unmarshal(val, out); errJson != nil {
				return fmt.Errorf("decode value for key '%s': %w", key, errJson)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB View error: %v", err)
		return false, fmt.Errorf("%w: reading key '%s': %w", utils.ErrStorage, key, err)
	}
	return found, nil
}

// putJSON sets key to the JSON encoding of v, replacing any previous value
func (s *BadgerStore) putJSON(key string, v any) error {
	val, errJson := json.Marshal(v)
	if errJson != nil {
		return fmt.Errorf("%w: failed to marshal value for key '%s': %w", utils.ErrStorage, key, errJson)
	}
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val))
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error: %v", err)
		return fmt.Errorf("%w: writing key '%s': %w", utils.ErrStorage, key, err)
	}
	return nil
}

// exists reports whether key is present without decoding its value
func (s *BadgerStore) exists(key string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, errGet := txn.Get([]byte(key))
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: checking key '%s': %w", utils.ErrStorage, key, err)
	}
	return found, nil
}

// IsURLNew implements URLStore
func (s *BadgerStore) IsURLNew(_ context.Context, url string) (bool, error) {
	found, err := s.exists(seenKeyPrefix + url)
	return !found, err
}

// MarkVisited implements URLStore
func (s *BadgerStore) MarkVisited(_ context.Context, url string, status int, errMsg string) error {
	entry := models.SeenURL{URL: url, LastSeenAt: s.now().UTC(), LastStatus: status, Error: errMsg}
	if err := s.putJSON(seenKeyPrefix+url, entry); err != nil {
		return err
	}
	s.log.Debugf("Marked '%s' visited with status %d", url, status)
	return nil
}

// GetSeenURL implements URLStore
func (s *BadgerStore) GetSeenURL(_ context.Context, url string) (*models.SeenURL, error) {
	var entry models.SeenURL
	found, err := s.getJSON(seenKeyPrefix+url, &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

// GetConditionalMetadata implements HeadStore
func (s *BadgerStore) GetConditionalMetadata(_ context.Context, url string) (models.Validators, error) {
	var head models.ResourceHead
	found, err := s.getJSON(headKeyPrefix+url, &head)
	if err != nil || !found {
		return models.Validators{}, err
	}
	return head.Validators(), nil
}

// RecordConditionalMetadata implements HeadStore
func (s *BadgerStore) RecordConditionalMetadata(_ context.Context, url string, v models.Validators) error {
	head := models.ResourceHead{
		URL:           url,
		ETag:          v.ETag,
		LastModified:  v.LastModified,
		ContentLength: v.ContentLength,
		LastCheckedAt: s.now().UTC(),
	}
	return s.putJSON(headKeyPrefix+url, head)
}

// RecordHeadCheck implements HeadStore. Read-modify-write runs inside one transaction.
func (s *BadgerStore) RecordHeadCheck(_ context.Context, url string) error {
	key := []byte(headKeyPrefix + url)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		head := models.ResourceHead{URL: url}
		item, errGet := txn.Get(key)
		switch {
		case errors.Is(errGet, badger.ErrKeyNotFound):
		case errGet != nil:
			return errGet
		default:
			if errVal := item.Value(func(val []byte) error { return json.Unmarshal(val, &head) }); errVal != nil {
				return errVal
			}
		}
		head.LastCheckedAt = s.now().UTC()
		val, errJson := json.Marshal(head)
		if errJson != nil {
			return errJson
		}
		return txn.SetEntry(badger.NewEntry(key, val))
	})
	if err != nil {
		return fmt.Errorf("%w: stamping head check for '%s': %w", utils.ErrStorage, url, err)
	}
	return nil
}

// HasContent implements ContentStore
func (s *BadgerStore) HasContent(_ context.Context, hash string) (bool, error) {
	return s.exists(imageKeyPrefix + hash)
}

// RecordContent implements ContentStore
func (s *BadgerStore) RecordContent(_ context.Context, img models.SavedImage) error {
	if img.ContentHash == "" {
		return fmt.Errorf("%w: saved image has empty content hash", utils.ErrStorage)
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = s.now().UTC()
	}
	return s.putJSON(imageKeyPrefix+img.ContentHash, img)
}

// GetImage implements ContentStore
func (s *BadgerStore) GetImage(_ context.Context, hash string) (*models.SavedImage, error) {
	var img models.SavedImage
	found, err := s.getJSON(imageKeyPrefix+hash, &img)
	if err != nil || !found {
		return nil, err
	}
	return &img, nil
}

// ListImages implements ContentStore
func (s *BadgerStore) ListImages(ctx context.Context, fn func(models.SavedImage) error) error {
	err := s.scanPrefix(ctx, imageKeyPrefix, func(val []byte) error {
		var img models.SavedImage
		if errJson := json.Unmarshal(val, &img); errJson != nil {
			s.log.Warnf("Skipping undecodable image entry: %v", errJson)
			return nil
		}
		return fn(img)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: listing images: %w", utils.ErrStorage, err)
	}
	return err
}

// scanPrefix iterates all values under prefix, checking ctx between items
func (s *BadgerStore) scanPrefix(ctx context.Context, prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(val); err != nil {
				return err
			}
		}
		return nil
	})
}

// countPrefix counts keys under prefix without fetching values
func (s *BadgerStore) countPrefix(prefix string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Stats implements StoreAdmin
func (s *BadgerStore) Stats(_ context.Context) (models.StoreStats, error) {
	var stats models.StoreStats
	var err error
	if stats.SeenURLs, err = s.countPrefix(seenKeyPrefix); err != nil {
		return stats, fmt.Errorf("%w: counting seen urls: %w", utils.ErrStorage, err)
	}
	if stats.ResourceHeads, err = s.countPrefix(headKeyPrefix); err != nil {
		return stats, fmt.Errorf("%w: counting resource heads: %w", utils.ErrStorage, err)
	}
	if stats.SavedImages, err = s.countPrefix(imageKeyPrefix); err != nil {
		return stats, fmt.Errorf("%w: counting images: %w", utils.ErrStorage, err)
	}
	return stats, nil
}

// WriteVisitedLog implements StoreAdmin
func (s *BadgerStore) WriteVisitedLog(ctx context.Context, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	iterErr := s.scanPrefix(ctx, seenKeyPrefix, func(val []byte) error {
		var entry models.SeenURL
		if errJson := json.Unmarshal(val, &entry); errJson != nil {
			s.log.Warnf("Skipping undecodable seen entry: %v", errJson)
			return nil
		}
		if _, errW := writer.WriteString(strconv.Itoa(entry.LastStatus) + "\t" + entry.URL + "\n"); errW != nil {
			return errW
		}
		written++
		return nil
	})
	if iterErr != nil {
		return fmt.Errorf("%w: writing visited log: %w", utils.ErrStorage, iterErr)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	s.log.Infof("Finished writing %d URLs to visited log: %s", written, filePath)
	return nil
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Run GC if log is at least 50% reclaimable space
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Close implements StoreAdmin
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing resource cache: %v", err)
		return fmt.Errorf("%w: close: %w", utils.ErrStorage, err)
	}
	s.log.Info("Resource cache closed.")
	return nil
}
