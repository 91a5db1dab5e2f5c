package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensehub.org/internal/config"
)

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), config.Config{Store: config.StoreMemory})
	require.NoError(t, err)
	assert.Equal(t, config.StoreMemory, b.Name)
	assert.NotNil(t, b.Leases)
	assert.Nil(t, b.UsageLog)
	assert.NoError(t, b.Ping(context.Background()))
	assert.NoError(t, b.Close(context.Background()))
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Store: "etcd"})
	assert.ErrorContains(t, err, `unknown store "etcd"`)
}
