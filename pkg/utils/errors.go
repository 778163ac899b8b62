package utils

// Wrap is the shared error-context helper used across core/ and
// pkg/config; some core files (friendcode, identity, events, blobsync)
// also wrap directly with fmt.Errorf("...: %w", err).

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
