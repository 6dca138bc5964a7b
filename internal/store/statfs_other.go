//go:build !unix

package store

// diskFree is unknown on this platform; only the quota bounds availability.
func diskFree(path string) (int64, error) {
	return -1, nil
}
