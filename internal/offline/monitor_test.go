package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/remote"
)

func TestMonitor_DrivesQueueAndIndicator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := remote.NewMemoryStore()
	q, _, _ := newTestQueue(t, store, nil)
	rec := notify.NewRecorder()
	m := NewMonitor(store, q, rec, nil)

	var changes []bool
	m.OnChange(func(c bool) { changes = append(changes, c) })
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	assert.True(t, m.Connected())
	assert.Equal(t, Connected, q.State())
	assert.False(t, rec.Active(ReconnectingID))

	store.SetConnected(false)
	assert.Equal(t, Disconnected, q.State())
	assert.True(t, rec.Active(ReconnectingID))

	store.SetConnected(true)
	assert.Equal(t, Connected, q.State())
	assert.False(t, rec.Active(ReconnectingID))

	assert.Equal(t, []bool{true, false, true}, changes)
}
