// Package uuid generates time-ordered identifiers for jobs and reports.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements analyzer.IDGenerator with UUIDv7 so identifiers
// sort by creation time.
type Generator struct{}

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
