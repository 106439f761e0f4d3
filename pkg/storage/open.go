package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/utils"
)

// Supported store drivers
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Open constructs the ResourceCache for driver rooted at path.
// The store is opened once per process and must be closed on shutdown.
func Open(ctx context.Context, driver, path string, logger *logrus.Entry) (ResourceCache, error) {
	switch driver {
	case DriverBadger, "":
		return NewBadgerStore(ctx, path, logger)
	case DriverSQLite:
		return NewSQLiteStore(ctx, path, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", utils.ErrConfigValidation, driver)
	}
}
