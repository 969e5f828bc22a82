package certs

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func serialFromRandom() *big.Int {
	n, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		// crypto/rand failure is only possible if the OS source is
		// broken; fall back to a fixed serial rather than panicking.
		return big.NewInt(1)
	}
	return n
}
