package voicecache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/allvoice/voice-gateway/internal/observability"
)

// Reconciler rebuilds the slot table from the provider's voice inventory.
// The first successful run is remembered; failed runs are not, so the next
// caller tries again. Concurrent callers share one in-flight attempt.
type Reconciler struct {
	provider   Provider
	store      MetadataStore
	slots      *SlotTable
	remover    *remover
	production bool
	timeout    time.Duration
	logger     zerolog.Logger

	group singleflight.Group
	done  atomic.Bool
}

func newReconciler(provider Provider, store MetadataStore, slots *SlotTable, rm *remover, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		provider:   provider,
		store:      store,
		slots:      slots,
		remover:    rm,
		production: opts.Production,
		timeout:    opts.BootstrapTimeout,
		logger:     logger,
	}
}

// Ensure returns once the table has been reconciled. A caller whose ctx ends
// stops waiting, but the shared attempt keeps running for the others.
func (r *Reconciler) Ensure(ctx context.Context) error {
	if r.done.Load() {
		return nil
	}

	ch := r.group.DoChan("bootstrap", func() (interface{}, error) {
		if r.done.Load() {
			return nil, nil
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		start := time.Now()
		err := r.reconcile(runCtx)
		observability.RecordReconciliation(err == nil)
		if err != nil {
			r.logger.Error().Err(err).Msg("Voice reconciliation failed")
			return nil, err
		}
		r.done.Store(true)
		r.logger.Info().
			Int("loaded_slots", r.slots.Len()).
			Dur("took", time.Since(start)).
			Msg("Voice reconciliation complete")
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Done reports whether a reconciliation has succeeded
func (r *Reconciler) Done() bool {
	return r.done.Load()
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	voices, err := r.provider.ListVoices(ctx)
	if err != nil {
		return &ReconciliationError{Err: err}
	}

	// A failed earlier attempt may have left partial state behind
	r.slots.Purge()

	for _, v := range voices {
		if !v.IsClone() {
			continue
		}
		refs, err := r.store.SampleRefs(ctx, v.Name)
		if err != nil {
			return &ReconciliationError{Label: v.Name, RemoteSlotID: v.ID, Err: err}
		}

		key := DeriveKey(VoiceRequest{LogicalName: v.Name, SampleRefs: refs})
		handle := SlotHandle{Key: key, RemoteSlotID: v.ID, LogicalName: v.Name}
		if prev, ok := r.slots.Get(key); ok {
			r.logger.Warn().
				Str("voice_model_id", v.Name).
				Str("remote_slot_id", prev.RemoteSlotID).
				Msg("Duplicate remote voice, keeping the later one")
		}
		if evicted, ok := r.slots.Put(key, handle); ok {
			r.logger.Warn().
				Str("voice_model_id", evicted.LogicalName).
				Str("remote_slot_id", evicted.RemoteSlotID).
				Msg("Remote voices exceed slot capacity, dropping from table")
		}
	}

	// Outside production the account may be shared with other environments,
	// so untracked voices are left alone.
	if !r.production {
		return nil
	}

	tracked := make(map[string]bool)
	for _, h := range r.slots.Handles() {
		tracked[h.RemoteSlotID] = true
	}
	for _, v := range voices {
		if !v.IsClone() || v.SampleCount == 0 || tracked[v.ID] {
			continue
		}
		r.remover.Delete(ctx, SlotHandle{RemoteSlotID: v.ID, LogicalName: v.Name}, "orphaned")
	}
	return nil
}
