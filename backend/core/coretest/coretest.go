// Package coretest provides deterministic identities for tests.
// The same name always derives the same key pair,
// so tests and simulations can refer to replicas by human-readable names.
package coretest

import (
	"crypto/ed25519"
	"crypto/sha256"

	"weft/backend/core"
)

// Tester is a fake identity for testing purposes.
type Tester struct {
	Key       *core.KeyPair
	Principal core.Principal
	Actor     core.ActorID
}

// NewTester creates a new identity with a seed derived from name.
func NewTester(name string) Tester {
	seed := sha256.Sum256([]byte("weft-testing-" + name))
	kp := core.NewKeyPair(ed25519.NewKeyFromSeed(seed[:]))

	return Tester{
		Key:       kp,
		Principal: kp.Principal(),
		Actor:     kp.ActorID(),
	}
}
