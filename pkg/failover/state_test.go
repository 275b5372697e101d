package failover

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	clk := clock.NewMock()
	s := NewState(validPolicy(), clk)

	assert.Equal(t, "pol-1", s.PolicyID)
	assert.True(t, s.UsingPrimary)
	assert.EqualValues(t, 1, s.ActivePathID)
	require.NotNil(t, s.PrimaryHealthySince)
	assert.Equal(t, clk.Now(), *s.PrimaryHealthySince)
	assert.Nil(t, s.LastFailover)
	assert.Zero(t, s.FailoverCount)
}

func TestState_RecordFailoverAndFailback(t *testing.T) {
	clk := clock.NewMock()
	s := NewState(validPolicy(), clk)

	clk.Add(5 * time.Second)
	s.RecordFailover(2)
	assert.False(t, s.UsingPrimary)
	assert.EqualValues(t, 2, s.ActivePathID)
	assert.EqualValues(t, 1, s.FailoverCount)
	assert.Nil(t, s.PrimaryHealthySince)
	require.NotNil(t, s.LastFailover)
	assert.Equal(t, clk.Now(), *s.LastFailover)

	clk.Add(5 * time.Second)
	s.RecordFailback(1)
	assert.True(t, s.UsingPrimary)
	assert.EqualValues(t, 1, s.ActivePathID)
	assert.EqualValues(t, 2, s.FailoverCount)
	assert.Equal(t, clk.Now(), *s.LastFailover)
}

func TestState_MarkPrimaryHealthyIsIdempotent(t *testing.T) {
	clk := clock.NewMock()
	s := NewState(validPolicy(), clk)
	s.RecordFailover(2)

	s.MarkPrimaryHealthy()
	first := *s.PrimaryHealthySince
	for i := 0; i < 5; i++ {
		clk.Add(10 * time.Second)
		s.MarkPrimaryHealthy()
	}
	assert.Equal(t, first, *s.PrimaryHealthySince)

	s.MarkPrimaryUnhealthy()
	assert.Nil(t, s.PrimaryHealthySince)
	s.MarkPrimaryHealthy()
	assert.Equal(t, clk.Now(), *s.PrimaryHealthySince)
}

func TestState_CanFailback(t *testing.T) {
	clk := clock.NewMock()
	s := NewState(validPolicy(), clk)
	s.RecordFailover(2)

	assert.False(t, s.CanFailback(0), "unset window never allows failback")

	s.MarkPrimaryHealthy()
	assert.True(t, s.CanFailback(0))
	assert.False(t, s.CanFailback(time.Nanosecond))
	assert.False(t, s.CanFailback(30*time.Second))

	clk.Add(29 * time.Second)
	assert.False(t, s.CanFailback(30*time.Second))
	clk.Add(time.Second)
	assert.True(t, s.CanFailback(30*time.Second))

	s.MarkPrimaryUnhealthy()
	assert.False(t, s.CanFailback(30*time.Second))
}

func TestState_SnapshotIsIndependent(t *testing.T) {
	clk := clock.NewMock()
	s := NewState(validPolicy(), clk)
	snap := s.Snapshot()

	clk.Add(time.Minute)
	s.RecordFailover(3)
	assert.True(t, snap.UsingPrimary)
	require.NotNil(t, snap.PrimaryHealthySince)
	assert.Nil(t, snap.LastFailover)
}
