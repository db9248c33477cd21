// Package uuid mints harvester run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 run identifiers, so runs sort by
// start time in logs and event stores.
type Generator struct {
	source func() (uuid.UUID, error)
}

// New returns a Generator backed by uuid.NewV7.
func New() *Generator {
	return &Generator{source: uuid.NewV7}
}

// NewRunID returns the identifier stamped on every progress event of a run.
func (g *Generator) NewRunID() (uuid.UUID, error) {
	id, err := g.source()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
