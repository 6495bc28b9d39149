//go:build !unix

package state

// Exclusive is a no-op where flock is unavailable.
func (f *FileStore) Exclusive() (func() error, error) {
	return func() error { return nil }, nil
}
