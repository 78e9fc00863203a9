// Package uuid issues task identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements scrape.IDGenerator with random UUIDs.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a fresh version 4 UUID in canonical form.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	return id.String(), nil
}
