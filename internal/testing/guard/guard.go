package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("POLYVEDA_TEST_MODE") == "" {
			_ = os.Setenv("POLYVEDA_TEST_MODE", "1")
		}
	})
}
