// Package idgen names recoveries, captures and recording sessions.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// NewSequential returns a deterministic generator. The first emitted ID is
// prefix followed by "1". An empty prefix yields bare numbers.
func NewSequential(prefix string) Generator {
	return &sequentialGenerator{prefix: prefix}
}

type sequentialGenerator struct {
	prefix string
	next   uint64
}

func (g *sequentialGenerator) Generate() string {
	n := atomic.AddUint64(&g.next, 1)
	return g.prefix + strconv.FormatUint(n, 10)
}

// NewParallel returns a generator whose IDs are globally unique but not
// reproducible across runs.
func NewParallel() Generator {
	return parallelGenerator{}
}

type parallelGenerator struct{}

func (parallelGenerator) Generate() string {
	return xid.New().String()
}
