package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucosync/glucosync/internal/application"
	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// stubSource is a scripted ReadingSource recording the windows it was asked
// for.
type stubSource struct {
	mu sync.Mutex

	latest    *model.Reading
	latestErr error

	windowReadings []model.Reading
	windowErr      error

	latestCalls int
	windows     []model.TimeWindow
}

func (s *stubSource) FetchLatest(context.Context) (*model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestCalls++
	return s.latest, s.latestErr
}

func (s *stubSource) FetchWindow(_ context.Context, window model.TimeWindow) ([]model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, window)
	return s.windowReadings, s.windowErr
}

func (s *stubSource) windowCalls() []model.TimeWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TimeWindow(nil), s.windows...)
}

func reading(ts time.Time, value float64, source model.SourceTag) model.Reading {
	return model.Reading{Timestamp: ts, Value: value, Source: source, Status: model.SyncStatusPending}
}

func series(start time.Time, step time.Duration, source model.SourceTag, values ...float64) []model.Reading {
	out := make([]model.Reading, 0, len(values))
	for i, v := range values {
		out = append(out, reading(start.Add(time.Duration(i)*step), v, source))
	}
	return out
}

const (
	testDelay  = 3 * time.Hour
	testMargin = 15 * time.Minute
)

func TestFetchWindow_HistoricalWindowUsesOnlyOfficialFeed(t *testing.T) {
	now := time.Now().UTC()
	official := &stubSource{windowReadings: series(now.Add(-48*time.Hour), 5*time.Minute, model.SourceOfficial, 110, 112, 114)}
	informal := &stubSource{}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	win := model.NewTimeWindow(now.Add(-48*time.Hour), now.Add(-47*time.Hour))
	readings, err := hybrid.FetchWindow(context.Background(), win)
	require.NoError(t, err)
	assert.Len(t, readings, 3)
	assert.Len(t, official.windowCalls(), 1)
	assert.Empty(t, informal.windowCalls(), "fully published spans never touch the informal feed")
}

func TestFetchWindow_RecentWindowUsesOnlyInformalFeed(t *testing.T) {
	now := time.Now().UTC()
	official := &stubSource{}
	informal := &stubSource{windowReadings: series(now.Add(-time.Hour), 5*time.Minute, model.SourceInformal, 120, 122)}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	win := model.NewTimeWindow(now.Add(-time.Hour), now)
	readings, err := hybrid.FetchWindow(context.Background(), win)
	require.NoError(t, err)
	assert.Len(t, readings, 2)
	assert.Empty(t, official.windowCalls(), "spans inside the publication delay never touch the official feed")
	assert.Len(t, informal.windowCalls(), 1)
}

func TestFetchWindow_StraddlingWindowMergesAndDeduplicates(t *testing.T) {
	now := time.Now().UTC()
	split := now.Add(-(testDelay + testMargin))

	// Five official samples leading up to the split; six informal samples
	// starting just before it, the first colliding exactly with the last
	// official one.
	official := &stubSource{windowReadings: series(split.Add(-25*time.Minute), 5*time.Minute, model.SourceOfficial, 100, 102, 104, 106, 108)}
	informal := &stubSource{windowReadings: series(split.Add(-5*time.Minute), 5*time.Minute, model.SourceInformal, 108, 110, 112, 114, 116, 118)}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	win := model.NewTimeWindow(split.Add(-30*time.Minute), now)
	readings, err := hybrid.FetchWindow(context.Background(), win)
	require.NoError(t, err)

	require.Len(t, readings, 10, "the overlapping sample must appear once")
	for i := 1; i < len(readings); i++ {
		assert.True(t, readings[i-1].Timestamp.Before(readings[i].Timestamp), "merge output is ordered ascending")
	}

	officialWindows := official.windowCalls()
	require.Len(t, officialWindows, 1)
	assert.WithinDuration(t, split, officialWindows[0].End, time.Second,
		"official side is clamped to the split point")

	informalWindows := informal.windowCalls()
	require.Len(t, informalWindows, 1)
	assert.True(t, informalWindows[0].End.Equal(win.End), "informal side sees the full window")
}

func TestFetchWindow_StraddleDegradesWhenOneSideFails(t *testing.T) {
	now := time.Now().UTC()
	split := now.Add(-(testDelay + testMargin))

	official := &stubSource{windowErr: driven.ErrNetworkFailure}
	informal := &stubSource{windowReadings: series(split, 5*time.Minute, model.SourceInformal, 130, 132)}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	win := model.NewTimeWindow(split.Add(-time.Hour), now)
	readings, err := hybrid.FetchWindow(context.Background(), win)
	require.NoError(t, err, "one side failing degrades, it does not fail the fetch")
	assert.Len(t, readings, 2)
}

func TestFetchWindow_StraddleFailsWhenBothSidesFail(t *testing.T) {
	now := time.Now().UTC()
	official := &stubSource{windowErr: driven.ErrNetworkFailure}
	informal := &stubSource{windowErr: driven.ErrRateLimited}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	win := model.NewTimeWindow(now.Add(-6*time.Hour), now)
	_, err := hybrid.FetchWindow(context.Background(), win)
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrNetworkFailure)
	assert.ErrorIs(t, err, driven.ErrRateLimited)
}

func TestFetchLatest_PrefersInformalFeed(t *testing.T) {
	now := time.Now().UTC()
	fresh := reading(now, 118, model.SourceInformal)
	official := &stubSource{latest: ptr(reading(now.Add(-4*time.Hour), 105, model.SourceOfficial))}
	informal := &stubSource{latest: &fresh}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	got, err := hybrid.FetchLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceInformal, got.Source)
	assert.Equal(t, 0, official.latestCalls)
}

func TestFetchLatest_FallsBackToOfficialOnInformalError(t *testing.T) {
	now := time.Now().UTC()
	official := &stubSource{latest: ptr(reading(now.Add(-4*time.Hour), 105, model.SourceOfficial))}
	informal := &stubSource{latestErr: driven.ErrAuthExpired}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	got, err := hybrid.FetchLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceOfficial, got.Source)
}

func TestFetchLatest_FallsBackToOfficialWhenInformalIsEmpty(t *testing.T) {
	now := time.Now().UTC()
	official := &stubSource{latest: ptr(reading(now.Add(-4*time.Hour), 105, model.SourceOfficial))}
	informal := &stubSource{} // reachable, nothing yet
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	got, err := hybrid.FetchLatest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceOfficial, got.Source)
	assert.Equal(t, 1, official.latestCalls)
}

func TestFetchLatest_BothFailingReturnsOfficialError(t *testing.T) {
	sentinel := errors.New("official down")
	official := &stubSource{latestErr: sentinel}
	informal := &stubSource{latestErr: driven.ErrNetworkFailure}
	hybrid := application.NewHybridSource(official, informal, testDelay, testMargin)

	_, err := hybrid.FetchLatest(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func ptr(r model.Reading) *model.Reading { return &r }
