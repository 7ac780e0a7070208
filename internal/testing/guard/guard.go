package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MOSS_TEST_MODE") == "" {
			_ = os.Setenv("MOSS_TEST_MODE", "1")
		}
	})
}
