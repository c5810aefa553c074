package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

type fakeSource struct {
	name     string
	failures int
	calls    int
}

var errVendor = errors.New("vendor timeout")

func (s *fakeSource) LoadTradingDays(from, to time.Time) ([]time.Time, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errVendor
	}
	return []time.Time{from}, nil
}

func (s *fakeSource) LoadOhlcv(string, time.Time, time.Time) ([]schema.Bar, error) {
	return nil, nil
}

func (s *fakeSource) LoadTicks(string, time.Time) ([]schema.Tick, error) {
	return nil, nil
}

func (s *fakeSource) LoadAdjustmentFactor(string, time.Time) (float64, error) {
	return 1, nil
}

func TestFailoverRetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{name: "a", failures: 2}
	f, err := NewFailover(FailoverConfig{Retries: 3, RotateAfter: 10}, src)
	require.NoError(t, err)

	days, err := f.LoadTradingDays(time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, 3, src.calls)
	require.Equal(t, 0, f.Active())
}

func TestFailoverRotatesAfterConsecutiveFailures(t *testing.T) {
	bad := &fakeSource{name: "bad", failures: 100}
	good := &fakeSource{name: "good"}
	f, err := NewFailover(FailoverConfig{Retries: 3, RotateAfter: 3}, bad, good)
	require.NoError(t, err)

	days, err := f.LoadTradingDays(time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Equal(t, 1, f.Active(), "second source must be active after rotation")
	require.Equal(t, 3, bad.calls)
}

func TestFailoverExhaustedReturnsError(t *testing.T) {
	bad := &fakeSource{name: "bad", failures: 100}
	f, err := NewFailover(FailoverConfig{Retries: 2, RotateAfter: 2}, bad)
	require.NoError(t, err)

	_, err = f.LoadTradingDays(time.Now(), time.Now())
	require.Error(t, err)
}

func TestFailoverRequiresSource(t *testing.T) {
	_, err := NewFailover(FailoverConfig{})
	require.ErrorIs(t, err, ErrNoSource)
}
