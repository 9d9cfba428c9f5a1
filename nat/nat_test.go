package nat

import (
	"context"
	"testing"

	"github.com/opd-ai/rudpcore/endpoint"
	"github.com/stretchr/testify/require"
)

func TestTypeStringRendersKnownValues(t *testing.T) {
	require.Equal(t, "unknown", Unknown.String())
	require.Equal(t, "none", None.String())
	require.Equal(t, "cone", Cone.String())
	require.Equal(t, "symmetric", Symmetric.String())
}

func TestRecordSymmetricUpdatesType(t *testing.T) {
	d := NewDetector(nil)
	require.Equal(t, Unknown, d.Type())

	d.RecordSymmetric()
	require.Equal(t, Symmetric, d.Type())
}

func TestTryPortMappingReturnsFalseWhenContextAlreadyCanceled(t *testing.T) {
	d := NewDetector(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ep, ok := d.TryPortMapping(ctx, nil, 12345)
	require.False(t, ok)
	require.Equal(t, endpoint.Nil, ep)
	require.Equal(t, Unknown, d.Type())
}
