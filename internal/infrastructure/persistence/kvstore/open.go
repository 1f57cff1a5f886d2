package kvstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// DataDir holds the SQLite file or the File store directory.
	DataDir string

	// PollInterval applies to SQLite change polling.
	PollInterval time.Duration

	Redis RedisConfig
}

// Open creates the Store selected by opts.Backend.
func Open(ctx context.Context, opts Options, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch strings.ToLower(opts.Backend) {
	case "", BackendSQLite:
		cfg := DefaultSQLiteConfig(filepath.Join(opts.DataDir, "finedu.db"))
		if opts.PollInterval > 0 {
			cfg.PollInterval = opts.PollInterval
		}
		return OpenSQLite(ctx, cfg, log)
	case BackendFile:
		return OpenFile(filepath.Join(opts.DataDir, "kv"), log)
	case BackendRedis:
		return OpenRedis(ctx, opts.Redis, log)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, shared.NewDomainError("kvstore", "Open", shared.ErrInvalidInput,
			fmt.Sprintf("unknown backend %q", opts.Backend))
	}
}
