package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fieldmesh/meshcore/state"
)

func TestAnyFailedLayerMakesOverallFailed(t *testing.T) {
	c := state.New(nil)
	c.SetLayer(state.LayerPhysical, state.StatusReady)
	c.SetLayer(state.LayerMesh, state.StatusReady)
	c.SetLayer(state.LayerApplication, state.StatusFailed)

	assert.Equal(t, state.StatusFailed, c.Overall())
}

func TestAllReadyMakesOverallReady(t *testing.T) {
	c := state.New(nil)
	c.SetLayer(state.LayerPhysical, state.StatusReady)
	c.SetLayer(state.LayerMesh, state.StatusReady)
	c.SetLayer(state.LayerApplication, state.StatusReady)

	assert.Equal(t, state.StatusReady, c.Overall())
}

func TestAllActiveButNotAllReadyMakesOverallConnected(t *testing.T) {
	c := state.New(nil)
	c.SetLayer(state.LayerPhysical, state.StatusReady)
	c.SetLayer(state.LayerMesh, state.StatusConnected)
	c.SetLayer(state.LayerApplication, state.StatusConnected)

	assert.Equal(t, state.StatusConnected, c.Overall())
}

func TestReconnectingLayerWinsOverConnecting(t *testing.T) {
	c := state.New(nil)
	c.SetLayer(state.LayerPhysical, state.StatusReconnecting)
	c.SetLayer(state.LayerMesh, state.StatusConnecting)
	c.SetLayer(state.LayerApplication, state.StatusDisconnected)

	assert.Equal(t, state.StatusReconnecting, c.Overall())
}

func TestCanSendRequiresReadyAndStable(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	c := state.New(now)
	c.SetLayer(state.LayerPhysical, state.StatusReady)
	c.SetLayer(state.LayerMesh, state.StatusReady)
	c.SetLayer(state.LayerApplication, state.StatusReady)

	assert.False(t, c.CanSend(), "not yet stable")

	clock = base.Add(6 * time.Second)
	assert.True(t, c.CanSend())
}

func TestStateChangeResetsStability(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	c := state.New(now)
	c.SetLayer(state.LayerPhysical, state.StatusReady)
	c.SetLayer(state.LayerMesh, state.StatusReady)
	c.SetLayer(state.LayerApplication, state.StatusReady)

	clock = base.Add(10 * time.Second)
	assert.True(t, c.IsStable())

	c.SetLayer(state.LayerApplication, state.StatusConnecting)
	assert.False(t, c.IsStable())
}
