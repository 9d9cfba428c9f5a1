// Package crypto provides the identity primitives consumed by the RUDP
// connection layer: fixed-width node identifiers and the NaCl key pairs
// carried through the handshake.
//
// This package deliberately stops at identity. It does not implement
// cryptographic policy such as signature verification, key rotation, or
// replay protection — those belong to the cryptographic identity library
// that sits outside this module and is treated as an external collaborator.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id := crypto.NewNodeID(keys.Public)
//	fmt.Println(id.String())
package crypto
