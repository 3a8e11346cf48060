package backend

import "github.com/byod-backtesting/bridge/internal/backend/store"

type Config struct {
	// Store is the config of the trading data store. It is shared with
	// the host and set from the host config.
	Store store.Config `conf:"-"`

	// Concurrency is the number of requests handled at the same time.
	// Further requests wait for a free slot.
	Concurrency int `conf:"concurrency"`

	// ProgressEvery is the number of rows between two progress events
	// emitted during an import.
	ProgressEvery int `conf:"progress_every"`
}

const (
	defaultConcurrency   = 4
	defaultProgressEvery = 500
)

func (c Config) concurrency() int {
	if c.Concurrency <= 0 {
		return defaultConcurrency
	}
	return c.Concurrency
}

func (c Config) progressEvery() int {
	if c.ProgressEvery <= 0 {
		return defaultProgressEvery
	}
	return c.ProgressEvery
}
