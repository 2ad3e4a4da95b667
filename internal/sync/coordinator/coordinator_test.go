package coordinator

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/notify"
	"github.com/civicdata/sf311-sync/internal/status"
	statusmocks "github.com/civicdata/sf311-sync/internal/status/mocks"
	"github.com/civicdata/sf311-sync/internal/store"
	storemocks "github.com/civicdata/sf311-sync/internal/store/mocks"
	"github.com/civicdata/sf311-sync/internal/sync"
	"github.com/civicdata/sf311-sync/internal/sync/coordinator/mocks"
)

const testDataset = "vw6y-z8j6"

type fakePublisher struct {
	mu        stdsync.Mutex
	summaries []notify.Summary
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, s notify.Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
	return p.err
}

func (*fakePublisher) Close() error { return nil }

func testSettings(t *testing.T) Settings {
	t.Helper()
	from, err := sync.StartOfDay(2025, 1, 1)
	require.NoError(t, err)
	return Settings{
		Dataset:  testDataset,
		Request:  sync.RunRequest{RequestedFrom: from, ConflictPolicy: store.ConflictOverwrite},
		Interval: time.Hour,
	}
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

// recordPhases captures the phase at the moment of every save
func recordPhases(p *statusmocks.MockStatusPersistence, saveErr error) *[]status.SyncPhase {
	phases := &[]status.SyncPhase{}
	p.EXPECT().SaveStatus(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s *status.RunStatus) error {
			*phases = append(*phases, s.Phase)
			return saveErr
		}).AnyTimes()
	return phases
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sync    config.SyncConfig
		wantErr string
		check   func(t *testing.T, s Settings)
	}{
		{
			name: "defaults",
			sync: config.SyncConfig{RequestedFrom: "2025-01-01"},
			check: func(t *testing.T, s Settings) {
				t.Helper()
				assert.Equal(t, testDataset, s.Dataset)
				assert.Equal(t, "2025-01-01T00:00:00.000", s.Request.RequestedFrom.String())
				assert.Equal(t, store.ConflictOverwrite, s.Request.ConflictPolicy)
				assert.Equal(t, time.Hour, s.Interval)
			},
		},
		{
			name: "explicit policy and interval",
			sync: config.SyncConfig{RequestedFrom: "2024-02-29", ConflictPolicy: "skip", Interval: "15m"},
			check: func(t *testing.T, s Settings) {
				t.Helper()
				assert.Equal(t, "2024-02-29T00:00:00.000", s.Request.RequestedFrom.String())
				assert.Equal(t, store.ConflictSkip, s.Request.ConflictPolicy)
				assert.Equal(t, 15*time.Minute, s.Interval)
			},
		},
		{
			name:    "missing start date",
			sync:    config.SyncConfig{},
			wantErr: "sync.requestedFrom is required",
		},
		{
			name:    "impossible date",
			sync:    config.SyncConfig{RequestedFrom: "2025-02-30"},
			wantErr: "invalid sync.requestedFrom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := SettingsFromConfig(&config.Config{Sync: tt.sync})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestJitteredInterval(t *testing.T) {
	t.Parallel()

	base := 10 * time.Minute
	for range 100 {
		d := jitteredInterval(base)
		assert.GreaterOrEqual(t, d, 9*time.Minute)
		assert.Less(t, d, 11*time.Minute)
	}
	assert.Equal(t, time.Duration(0), jitteredInterval(0))
}

func TestCoordinator_RunOnceSuccess(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	persistence := statusmocks.NewMockStatusPersistence(ctrl)
	publisher := &fakePublisher{}
	settings := testSettings(t)

	persistence.EXPECT().LoadStatus(gomock.Any()).
		Return(&status.RunStatus{Phase: status.SyncPhaseFailed, AttemptCount: 2}, nil)
	phases := recordPhases(persistence, nil)

	started := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	result := &sync.Result{
		RunID:      "run-1",
		Mode:       sync.ModeIncremental,
		Extract:    sync.ExtractStats{Pages: 1, Records: 3},
		Load:       sync.LoadResult{Received: 3, UpsertResult: store.UpsertResult{Inserted: 1, Updated: 2}},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
	runner.EXPECT().RunOnce(gomock.Any(), settings.Request).Return(result, nil)

	c := New(runner, persistence, settings, WithPublisher(publisher), WithClock(fixedClock()))
	got, syncErr := c.RunOnce(context.Background())
	require.Nil(t, syncErr)
	assert.Same(t, result, got)

	assert.Equal(t, []status.SyncPhase{status.SyncPhaseSyncing, status.SyncPhaseComplete}, *phases)

	st := c.Status()
	assert.Equal(t, status.SyncPhaseComplete, st.Phase)
	assert.Equal(t, 0, st.AttemptCount)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, 1, st.Inserted)
	assert.Equal(t, 2, st.Updated)
	assert.Equal(t, "2025-01-01T00:00:00.000", st.RequestedFrom)

	require.Len(t, publisher.summaries, 1)
	assert.True(t, publisher.summaries[0].Success)
	assert.Equal(t, testDataset, publisher.summaries[0].Dataset)
}

func TestCoordinator_RunOnceFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	persistence := statusmocks.NewMockStatusPersistence(ctrl)
	publisher := &fakePublisher{err: errors.New("broker down")}

	persistence.EXPECT().LoadStatus(gomock.Any()).
		Return(&status.RunStatus{Phase: status.SyncPhaseFailed, AttemptCount: 2}, nil)
	// Persistence failures are logged only
	phases := recordPhases(persistence, errors.New("read-only file system"))

	syncErr := &sync.Error{Op: sync.OpConnect, Message: "Failed to open store: connection refused"}
	runner.EXPECT().RunOnce(gomock.Any(), gomock.Any()).Return(nil, syncErr)

	c := New(runner, persistence, testSettings(t), WithPublisher(publisher), WithClock(fixedClock()))
	got, gotErr := c.RunOnce(context.Background())
	assert.Nil(t, got)
	assert.Same(t, syncErr, gotErr)

	assert.Equal(t, []status.SyncPhase{status.SyncPhaseSyncing, status.SyncPhaseFailed}, *phases)

	st := c.Status()
	assert.Equal(t, status.SyncPhaseFailed, st.Phase)
	assert.Equal(t, sync.OpConnect, st.FailedOp)
	assert.Equal(t, 3, st.AttemptCount)
	assert.Equal(t, "1s", st.Duration)

	require.Len(t, publisher.summaries, 1)
	assert.False(t, publisher.summaries[0].Success)
	assert.Equal(t, "connect", publisher.summaries[0].FailedOp)
}

func TestCoordinator_StatusLoadedOnce(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	persistence := statusmocks.NewMockStatusPersistence(ctrl)

	persistence.EXPECT().LoadStatus(gomock.Any()).Return(&status.RunStatus{}, nil).Times(1)
	recordPhases(persistence, nil)
	runner.EXPECT().RunOnce(gomock.Any(), gomock.Any()).
		Return(nil, &sync.Error{Op: sync.OpExtract, Message: "Extraction failed"}).Times(2)

	c := New(runner, persistence, testSettings(t))
	_, _ = c.RunOnce(context.Background())
	_, _ = c.RunOnce(context.Background())

	assert.Equal(t, 2, c.Status().AttemptCount)
}

func TestCoordinator_StartStop(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	persistence := statusmocks.NewMockStatusPersistence(ctrl)

	persistence.EXPECT().LoadStatus(gomock.Any()).Return(&status.RunStatus{}, nil).AnyTimes()
	persistence.EXPECT().SaveStatus(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var runs atomic.Int32
	ticked := make(chan struct{}, 10)
	runner.EXPECT().RunOnce(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, sync.RunRequest) (*sync.Result, *sync.Error) {
			runs.Add(1)
			select {
			case ticked <- struct{}{}:
			default:
			}
			return &sync.Result{RunID: "run"}, nil
		}).AnyTimes()

	c := New(runner, persistence, testSettings(t),
		WithJitter(func(time.Duration) time.Duration { return 5 * time.Millisecond }))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(context.Background())
	}()

	for range 2 {
		select {
		case <-ticked:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for scheduled run")
		}
	}

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted, "a stopped coordinator is not restarted")
}

func TestStoreRunner(t *testing.T) {
	t.Parallel()

	t.Run("open failure is a connect error", func(t *testing.T) {
		t.Parallel()

		r := NewStoreRunner(func(context.Context) (store.Store, error) {
			return nil, errors.New("connection refused")
		}, sync.NewExtractor(nil, sync.ExtractorConfig{}))

		from, err := sync.StartOfDay(2025, 1, 1)
		require.NoError(t, err)

		result, syncErr := r.RunOnce(context.Background(), sync.RunRequest{RequestedFrom: from})
		assert.Nil(t, result)
		require.NotNil(t, syncErr)
		assert.Equal(t, sync.OpConnect, syncErr.Op)
		assert.Contains(t, syncErr.Message, "connection refused")
	})

	t.Run("store is closed after a failed run", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		st := storemocks.NewMockStore(ctrl)
		st.EXPECT().MinRequested(gomock.Any()).Return(nil, errors.New("relation does not exist"))
		st.EXPECT().Close(gomock.Any()).Return(nil)

		r := NewStoreRunner(func(context.Context) (store.Store, error) {
			return st, nil
		}, sync.NewExtractor(nil, sync.ExtractorConfig{}))

		from, err := sync.StartOfDay(2025, 1, 1)
		require.NoError(t, err)

		result, syncErr := r.RunOnce(context.Background(), sync.RunRequest{RequestedFrom: from})
		require.NotNil(t, result)
		require.NotNil(t, syncErr)
		assert.Equal(t, sync.OpResolveWatermark, syncErr.Op)
	})
}
