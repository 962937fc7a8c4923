package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the DRAGNET_VM_TEST environment variable is not
// set. This ensures that tests requiring real kernel capabilities (AF_PACKET
// sockets, interface tuning) are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("DRAGNET_VM_TEST") == "" {
		t.Skip("Skipping test: requires DRAGNET_VM_TEST environment")
	}
}
