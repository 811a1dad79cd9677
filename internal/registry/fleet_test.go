package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetStoreDisabledWithoutRedis(t *testing.T) {
	store, err := NewFleetStore("", "instance-1", nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Advertise(context.Background(), &TunnelRoute{
		SubDomain: "my-app",
		ClientID:  "client-1",
	}))

	_, err = store.Lookup(context.Background(), "my-app")
	assert.ErrorIs(t, err, ErrRouteNotFound)

	assert.NoError(t, store.Refresh(context.Background(), "my-app"))
	assert.NoError(t, store.Withdraw(context.Background(), "my-app"))
}

func TestFleetStoreRejectsBadURL(t *testing.T) {
	_, err := NewFleetStore("not-a-redis-url", "instance-1", nil)
	require.Error(t, err)
}
