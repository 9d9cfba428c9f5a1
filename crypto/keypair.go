// Package crypto implements the identity primitives for the RUDP
// connection layer.
//
// This package handles key generation using the NaCl cryptography library
// through Go's x/crypto packages. It stops at identity: encryption,
// signatures, and key rotation are the concern of the cryptographic
// identity library this module treats as an external collaborator.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair.
//
//export RudpKeyPair
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
//
//export RudpGenerateKeyPair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey derives a key pair from an existing private key, computing
// the matching public key via the curve25519 base point multiplication
// NaCl's box keys rely on.
//
//export RudpKeyPairFromSecretKey
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &secretKey)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
