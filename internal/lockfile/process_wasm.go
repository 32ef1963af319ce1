//go:build js && wasm

package lockfile

// isProcessRunning always reports false in WASM: there is no other process
// to be holding a stale lock in a single-process environment.
func isProcessRunning(pid int) bool {
	return false
}
