package vectorindex

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// New builds the configured index backend.
func New(cfg config.VectorIndexConfig, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "qdrant":
		return NewQdrantIndex(QdrantConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			UseTLS:         cfg.UseTLS,
			APIKey:         cfg.APIKey,
			VectorSize:     cfg.VectorSize,
			RequestTimeout: 30 * time.Second,
		}, logger)
	case "chromem":
		return NewChromemIndex(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown vector index provider: %q", cfg.Provider)
	}
}
