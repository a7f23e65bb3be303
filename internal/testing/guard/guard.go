package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("CREWBASE_TEST_MODE") == "" {
			_ = os.Setenv("CREWBASE_TEST_MODE", "1")
		}
	})
}
