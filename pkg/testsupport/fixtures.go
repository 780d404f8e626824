// Package testsupport holds fixture loading and the scriptable fakes shared
// by the package tests: a change-feed transport and a connectivity provider
// that tests drive directly instead of binding to platform signals.
package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// LoadFixture loads test data from a fixture file relative to the test
// package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}
	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// FixturePath constructs a path to a fixture file under testdata.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// WaitFor polls until cond returns true or the deadline passes. Background
// fetches and fake-clock callbacks land asynchronously, so assertions on
// their effects need a bounded wait instead of a sleep.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
