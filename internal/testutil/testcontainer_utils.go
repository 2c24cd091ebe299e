// Package testutil starts the shared database containers used by the
// integration tests. Each container is started at most once per test
// binary; tests are skipped under -short.
package testutil

import (
	"testing"
	"time"
)

// startTimeout is generous to accommodate image pulls in CI.
const startTimeout = 3 * time.Minute

// requireContainers fails the test when the container could not be started.
func requireContainers(t *testing.T, name string, startErr error) {
	t.Helper()
	if startErr != nil {
		t.Fatalf("start %s container: %v", name, startErr)
	}
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}
