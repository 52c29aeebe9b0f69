package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacebook/internal/platform/config"
)

func TestNew_DisabledWithoutURL(t *testing.T) {
	client, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestOptions(t *testing.T) {
	opts, err := Options(config.RedisConfig{
		URL:         "redis://:secret@cache:6380/2",
		PoolSize:    20,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 20, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)
}

func TestOptions_BadURL(t *testing.T) {
	_, err := Options(config.RedisConfig{URL: "http://not-redis"})
	require.ErrorContains(t, err, "parse redis URL")
}
