package eventstore

import (
	"fmt"

	"github.com/lighthouse-core/lighthouse/core"
)

// Open selects and opens the backend named by cfg.StorageBackend (spec §4.1:
// "two pluggable backends with identical semantics").
func Open(cfg *core.Config, logger core.Logger) (Store, error) {
	switch cfg.StorageBackend {
	case core.StorageSegmentedLog:
		return OpenSegmentedLogStore(cfg, logger)
	case core.StorageSQLiteWAL:
		return OpenSQLiteWALStore(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", core.ErrValidation, cfg.StorageBackend)
	}
}
