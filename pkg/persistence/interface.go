package persistence

import (
	"context"

	"github.com/osvaldoandrade/podflow/internal/repository"
)

// RecordStore provides the coordinator's record storage. Backends are
// selected by name through the registry.
type RecordStore interface {
	// Runs stores pipeline runs, failed ones included
	Runs() repository.RunRepository

	// Generations stores generation records and tracks unfinished ones
	Generations() repository.GenerationRepository

	// Health checks if the backend is reachable
	Health(ctx context.Context) error

	// Close releases resources owned by the backend
	Close() error
}
