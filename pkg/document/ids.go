package document

import (
	"math/rand/v2"
	"strconv"
)

// IDPolicy synthesizes a child identifier for a Create. attempt counts the
// collisions seen so far for this command, starting at 0.
type IDPolicy func(commandCount int64, attempt int) string

// SequentialIDs yields commandCount+1+attempt. Deterministic, so independent
// replicas starting from the same state propose the same ids; tests and
// single-writer deployments rely on that.
func SequentialIDs(commandCount int64, attempt int) string {
	return strconv.FormatInt(commandCount+1+int64(attempt), 10)
}

// RandomIDs yields a uniformly sampled non-negative integer, which keeps
// concurrent writers from colliding in practice.
func RandomIDs(_ int64, _ int) string {
	return strconv.FormatUint(rand.Uint64(), 10)
}
