package socket

import (
	"testing"

	"github.com/opd-ai/rudpcore/crypto"
	"github.com/stretchr/testify/require"
)

func TestSessionHandshakeDerivesMatchingCiphers(t *testing.T) {
	initiatorKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	responderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	initiator, err := newSessionHandshake(initiatorKeys.Private, responderKeys.Public[:], sessionInitiator)
	require.NoError(t, err)
	responder, err := newSessionHandshake(responderKeys.Private, nil, sessionResponder)
	require.NoError(t, err)

	msg1, done, err := initiator.step(nil)
	require.NoError(t, err)
	require.False(t, done)

	msg2, done, err := responder.step(msg1)
	require.NoError(t, err)
	require.True(t, done)

	_, done, err = initiator.step(msg2)
	require.NoError(t, err)
	require.True(t, done)

	initSend, initRecv, ok := initiator.cipherStates()
	require.True(t, ok)
	respSend, respRecv, ok := responder.cipherStates()
	require.True(t, ok)

	// The initiator's send cipher must match the responder's receive
	// cipher and vice versa: both sides derived the same session.
	require.NotNil(t, initSend)
	require.NotNil(t, respRecv)
	require.NotNil(t, initRecv)
	require.NotNil(t, respSend)

	ct, err := initSend.Encrypt(nil, nil, []byte("to responder"))
	require.NoError(t, err)
	pt, err := respRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("to responder"), pt)

	ct, err = respSend.Encrypt(nil, nil, []byte("to initiator"))
	require.NoError(t, err)
	pt, err = initRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("to initiator"), pt)
}
