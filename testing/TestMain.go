package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("RENTALPOS_TEST_MODE", "1")
		if os.Getenv("STOCK_AUTO_MIGRATE") == "" {
			_ = os.Setenv("STOCK_AUTO_MIGRATE", "false")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
