package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"spacebook/internal/platform/config"
)

func TestOpen_RejectsMemoryDriver(t *testing.T) {
	_, err := Open(context.Background(), config.Database{Driver: config.DriverMemory})
	require.ErrorContains(t, err, "not a SQL driver")
}
