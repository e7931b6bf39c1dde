// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed so IDs
// from different registries are distinguishable at a glance.
type Generator struct {
	prefix string
}

// New creates a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewPrefixed creates a Generator whose IDs look like "<prefix>_<uuid7>".
func NewPrefixed(prefix string) *Generator {
	return &Generator{prefix: strings.TrimSuffix(prefix, "_")}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "_" + id.String(), nil
}
