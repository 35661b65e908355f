package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provara/provara/pkg/casstore"
)

func TestError_FormatsCodeAndMessage(t *testing.T) {
	err := &Error{Code: ErrTimeExhausted, Message: "plugin exceeded time limit (2s)"}
	assert.Equal(t, "ERR_SANDBOX_TIME_EXHAUSTED: plugin exceeded time limit (2s)", err.Error())
}

func TestIsMemoryError_DetectsLimitAndGrowFailures(t *testing.T) {
	assert.True(t, isMemoryError(errors.New("memory.grow failed: limit exceeded")))
	assert.False(t, isMemoryError(errors.New("compile error: invalid opcode")))
	assert.False(t, isMemoryError(nil))
}

func TestWasiSandbox_Run_ReturnsErrorForMissingPlugin(t *testing.T) {
	ctx := context.Background()
	blobs, err := casstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	sb, err := New(ctx, blobs, DefaultConfig())
	require.NoError(t, err)
	defer sb.Close(ctx)

	_, err = sb.Run(ctx, PluginRef{Name: "custom-reducer", Hash: "sha256:deadbeef"}, []byte("{}"))
	assert.Error(t, err)
}
