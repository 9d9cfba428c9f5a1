package socket

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/rudpcore/crypto"
)

// sessionRole mirrors the Noise IK pattern's two roles: the initiator
// knows the responder's static key up front (here, the key given to
// SetExpectedPeerPublicKey before any handshake packet is sent); the
// responder learns the initiator's key from its first message.
type sessionRole uint8

const (
	sessionInitiator sessionRole = iota
	sessionResponder
)

// sessionHandshake drives one side of the Noise IK exchange carried
// inside the HandshakePacket round-trip (socket.go's StartHandshake and
// CompleteInboundHandshake). The initiator role requires the peer's
// static key in advance, supplied by whichever caller already knows it
// (a bootstrap Contact's public key, or Ping/Connect's publicKey
// argument); the responder role learns it by decrypting the initiator's
// first message, exactly as IK specifies. §1's Non-goals still exclude
// any cryptographic policy beyond this identity exchange — neither side
// validates the derived cipher states against anything, and the bound
// channel above a completed handshake stays opaque to this package.
type sessionHandshake struct {
	role       sessionRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

func newSessionHandshake(localPriv [32]byte, peerPub []byte, role sessionRole) (*sessionHandshake, error) {
	if role == sessionInitiator && len(peerPub) != 32 {
		return nil, fmt.Errorf("socket: initiator requires a 32-byte peer static key, got %d", len(peerPub))
	}

	keyPair, err := crypto.FromSecretKey(localPriv)
	if err != nil {
		return nil, fmt.Errorf("socket: derive local static keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: append([]byte{}, keyPair.Private[:]...),
		Public:  append([]byte{}, keyPair.Public[:]...),
	}
	crypto.ZeroBytes(localPriv[:])

	cfg := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == sessionInitiator,
		StaticKeypair: staticKey,
	}
	if role == sessionInitiator {
		cfg.PeerStatic = append([]byte{}, peerPub...)
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("socket: create IK handshake state: %w", err)
	}

	return &sessionHandshake{role: role, state: state}, nil
}

// step advances the handshake by one message. The initiator calls it
// once with received=nil to produce the first message, then once more
// with the responder's reply to finish. The responder calls it once
// with the initiator's message to produce its reply and finish.
func (h *sessionHandshake) step(received []byte) (toSend []byte, done bool, err error) {
	if h.complete {
		return nil, true, fmt.Errorf("socket: handshake already complete")
	}

	switch h.role {
	case sessionInitiator:
		if received == nil {
			msg, _, _, err := h.state.WriteMessage(nil, nil)
			if err != nil {
				return nil, false, fmt.Errorf("socket: initiator write: %w", err)
			}
			return msg, false, nil
		}
		_, recvCipher, sendCipher, err := h.state.ReadMessage(nil, received)
		if err != nil {
			return nil, false, fmt.Errorf("socket: initiator read reply: %w", err)
		}
		h.sendCipher, h.recvCipher, h.complete = sendCipher, recvCipher, true
		return nil, true, nil

	default: // sessionResponder
		if received == nil {
			return nil, false, fmt.Errorf("socket: responder requires the initiator's message")
		}
		if _, _, _, err := h.state.ReadMessage(nil, received); err != nil {
			return nil, false, fmt.Errorf("socket: responder read: %w", err)
		}
		msg, sendCipher, recvCipher, err := h.state.WriteMessage(nil, nil)
		if err != nil {
			return nil, false, fmt.Errorf("socket: responder write: %w", err)
		}
		h.sendCipher, h.recvCipher, h.complete = sendCipher, recvCipher, true
		return msg, true, nil
	}
}

// cipherStates returns the derived session ciphers once step reports done.
func (h *sessionHandshake) cipherStates() (send, recv *noise.CipherState, ok bool) {
	return h.sendCipher, h.recvCipher, h.complete
}

// peerStaticKey returns the remote static key IK revealed during the
// handshake: the responder decrypts it out of the initiator's first
// message, so this is only meaningful on that side and only once step
// has processed that message.
func (h *sessionHandshake) peerStaticKey() []byte {
	return h.state.PeerStatic()
}
