package optimizer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/meshcore/optimizer"
)

func TestAdmitConnectionRespectsMaxConnections(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	o := optimizer.New(2, now)
	require.True(t, o.AdmitConnection("a"))
	require.True(t, o.AdmitConnection("b"))

	clock = base.Add(5 * time.Second) // both now count as stable (loss 0)

	assert.False(t, o.AdmitConnection("c"), "third connection should be rejected at cap 2")
}

func TestRecordFailureIncreasesLossAndShrinksBandwidth(t *testing.T) {
	o := optimizer.New(30, nil)
	o.AdmitConnection("a")

	o.RecordFailure("a")

	for i := 0; i < 5; i++ {
		o.RecordFailure("a")
	}
	assert.False(t, o.IsStable("a"), "repeated failures should push loss above the 0.3 stability cutoff")
}

func TestRecordSuccessDecaysLossTowardZero(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }
	o := optimizer.New(30, now)
	o.AdmitConnection("a")
	o.RecordFailure("a")
	o.RecordFailure("a")

	clock = base.Add(4 * time.Second)
	for i := 0; i < 10; i++ {
		o.RecordSuccess("a", 50, 1000, 10*time.Millisecond)
	}
	assert.True(t, o.IsStable("a"))
}

func TestBestPeersReturnsTopKByScore(t *testing.T) {
	o := optimizer.New(30, nil)
	o.AdmitConnection("slow")
	o.AdmitConnection("fast")

	o.RecordSuccess("fast", 10, 100000, 10*time.Millisecond)
	o.RecordFailure("slow")
	o.RecordFailure("slow")
	o.RecordFailure("slow")

	best := o.BestPeers(1)
	require.Len(t, best, 1)
	assert.Equal(t, "fast", string(best[0]))
}
