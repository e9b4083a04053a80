package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "RENTALPOS_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the process runs under tests and must skip
// runtime side effects such as schema migration and cron registration.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// ShouldMigrate reports whether the embedded schema should be applied on start.
func ShouldMigrate(cfg *Config) bool {
	return cfg != nil && cfg.StockAutoMigrate && !InTestMode()
}
