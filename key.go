package kmipclient

import (
	"fmt"

	"github.com/gemalto/kmip-go/kmip14"
)

// Key is an immutable symmetric key: raw key material plus the identifier
// assigned by the key management server. A key built locally for
// registration has an empty identifier until the server assigns one.
//
// The material is copied on construction and on access, so a Key may be
// shared freely between a caller and the Session working on its behalf.
type Key struct {
	id        string
	material  []byte
	algorithm kmip14.CryptographicAlgorithm
}

// NewKey builds a key from a server-assigned identifier and raw material.
func NewKey(id string, material []byte, algorithm kmip14.CryptographicAlgorithm) *Key {
	return &Key{
		id:        id,
		material:  append([]byte(nil), material...),
		algorithm: algorithm,
	}
}

// NewAESKey builds an unregistered AES key from raw material.
func NewAESKey(material []byte) *Key {
	return NewKey("", material, kmip14.CryptographicAlgorithmAES)
}

// ID returns the server-assigned key identifier, empty if the key has not
// been registered yet.
func (k *Key) ID() string {
	return k.id
}

// Material returns a copy of the raw key material.
func (k *Key) Material() []byte {
	return append([]byte(nil), k.material...)
}

// Algorithm returns the cryptographic algorithm the key is used with.
func (k *Key) Algorithm() kmip14.CryptographicAlgorithm {
	return k.algorithm
}

// Length returns the key length in bits.
func (k *Key) Length() int {
	return len(k.material) * 8
}

// KeyEntryError is a semantically meaningful, non-exceptional outcome the
// server can report for a key lookup. It is a valid protocol answer carrying
// negative information, not a transport or decoding failure, and is therefore
// returned as a value rather than as an error.
type KeyEntryError uint8

const (
	// KeyEntryNone means the lookup reported nothing wrong with the key.
	KeyEntryNone KeyEntryError = iota

	// KeyDoesNotExist means the server has no key under the identifier.
	KeyDoesNotExist

	// KeyIsNotActive means the key exists but is not in the Active state.
	KeyIsNotActive
)

func (e KeyEntryError) String() string {
	switch e {
	case KeyEntryNone:
		return "none"
	case KeyDoesNotExist:
		return "key does not exist"
	case KeyIsNotActive:
		return "key is not active"
	}
	return fmt.Sprintf("unknown key entry error (%d)", uint8(e))
}
