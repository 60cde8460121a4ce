package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cradlesystems/cradle-core/pkg/interior"
)

func TestInterior_Stop_DefaultReportsStopped(t *testing.T) {
	t.Parallel()

	events := make(chan interior.Event, 1)
	data := make(chan any, 1)
	f := New(interior.Dependencies{Monitor: func(e interior.Event, d any) {
		events <- e
		data <- d
	}})

	require.NoError(t, f.Stop(context.Background(), nil))

	select {
	case e := <-events:
		assert.Equal(t, interior.EventState, e)
		assert.Equal(t, "stopped", <-data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stop report")
	}
}

func TestInterior_Stop_CustomFunc(t *testing.T) {
	t.Parallel()

	failure := errors.New("boom")
	f := New(interior.Dependencies{})
	f.StopFunc = func(ctx context.Context, opts interior.Options) error { return failure }

	assert.ErrorIs(t, f.Stop(context.Background(), nil), failure)
}

func TestFull_GrantsAllCapabilities(t *testing.T) {
	t.Parallel()

	var backend interior.Interior = Full{New(interior.Dependencies{})}
	_, okLoad := backend.(interior.Loader)
	_, okUnload := backend.(interior.Unloader)
	_, okStart := backend.(interior.Starter)
	_, okStatus := backend.(interior.Statuser)

	assert.True(t, okLoad)
	assert.True(t, okUnload)
	assert.True(t, okStart)
	assert.True(t, okStatus)
}

func TestInterior_BareDoesNotGrantOptionalCapabilities(t *testing.T) {
	t.Parallel()

	var backend interior.Interior = New(interior.Dependencies{})
	_, okLoad := backend.(interior.Loader)
	_, okStart := backend.(interior.Starter)

	assert.False(t, okLoad)
	assert.False(t, okStart)
}

func TestInterior_Calls_RecordsInvocations(t *testing.T) {
	t.Parallel()

	f := New(interior.Dependencies{})
	backend := Full{f}

	require.NoError(t, backend.Load(context.Background(), interior.Options{"x": 1}))
	require.NoError(t, backend.Start(context.Background(), nil))

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Load", calls[0].Method)
	assert.Equal(t, "Start", calls[1].Method)
}

func TestNewFactory(t *testing.T) {
	t.Parallel()

	factory := NewFactory()
	backend, err := factory(context.Background(), "container-1", interior.Config{}, interior.Dependencies{})
	require.NoError(t, err)

	_, ok := backend.(interior.Loader)
	assert.True(t, ok, "factory-produced interior should be fully capable")
}
