package app

import (
	"os"
	"sync/atomic"
)

// TestModeEnv, when set to "1", makes the binaries return before opening
// any connection. internal/testing/guard sets it for test packages.
const TestModeEnv = "MOSS_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether TestModeEnv is set. The first answer is cached.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads TestModeEnv and returns the new value.
func RefreshTestMode() bool {
	v := os.Getenv(TestModeEnv) == "1"
	testMode.Store(&v)
	return v
}
