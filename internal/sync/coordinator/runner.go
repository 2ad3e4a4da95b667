package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/sync"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/civicdata/sf311-sync/internal/sync/coordinator Runner

// Runner performs one complete sync run
type Runner interface {
	RunOnce(ctx context.Context, req sync.RunRequest) (*sync.Result, *sync.Error)
}

// StoreOpener acquires a fresh store handle
type StoreOpener func(ctx context.Context) (store.Store, error)

// StoreRunner opens the store at run start and closes it on exit,
// whatever the outcome
type StoreRunner struct {
	open      StoreOpener
	extractor *sync.Extractor
	opts      []sync.SyncerOption
}

var _ Runner = (*StoreRunner)(nil)

// NewStoreRunner creates a runner. The extractor and options are shared by every run.
func NewStoreRunner(open StoreOpener, extractor *sync.Extractor, opts ...sync.SyncerOption) *StoreRunner {
	return &StoreRunner{
		open:      open,
		extractor: extractor,
		opts:      opts,
	}
}

// RunOnce runs the engine against a newly opened store
func (r *StoreRunner) RunOnce(ctx context.Context, req sync.RunRequest) (*sync.Result, *sync.Error) {
	st, err := r.open(ctx)
	if err != nil {
		return nil, &sync.Error{
			Op:      sync.OpConnect,
			Message: fmt.Sprintf("Failed to open store: %v", err),
			Err:     err,
		}
	}
	defer func() {
		if err := st.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	return sync.NewSyncer(st, r.extractor, r.opts...).Run(ctx, req)
}
