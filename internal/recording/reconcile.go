package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liveclass/pkg/types"
)

// ReconcileOrphans settles recordings left ongoing by a previous process.
// Each record is handled independently and always persisted; the returned
// error joins every failure.
func (o *Orchestrator) ReconcileOrphans(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("component", "reconcile").Logger()
	if o.store == nil {
		return nil
	}

	ongoing, err := o.store.ListRecordingsByState(ctx, types.StatusOngoing)
	if err != nil {
		return fmt.Errorf("list ongoing recordings: %w", err)
	}
	log.Info().Int("count", len(ongoing)).Msg("Reconciling ongoing recordings")

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	// ARCHITECTURAL DISCOVERY: a plain group, not WithContext; one record's
	// failure must not cancel the queries of the others
	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for _, rec := range ongoing {
		g.Go(func() error {
			collect(o.reconcileRecord(ctx, rec))
			return nil
		})
	}
	_ = g.Wait()

	missing, err := o.store.ListRecordingsMissingEndTime(ctx)
	if err != nil {
		collect(fmt.Errorf("list recordings without end time: %w", err))
	}
	if len(missing) > 0 {
		log.Info().Int("count", len(missing)).Msg("Backfilling recording end times")
	}
	for _, rec := range missing {
		rec.SetEndTime(o.now().UTC())
		if err := o.store.UpdateRecording(ctx, rec); err != nil {
			collect(fmt.Errorf("backfill %s: %w", rec.SID, err))
		}
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) reconcileRecord(ctx context.Context, rec *types.RecordingRecord) (err error) {
	log := zerolog.Ctx(ctx).With().Str("component", "reconcile").Str("sid", rec.SID).Str("acronym", rec.Acronym).Logger()

	defer func() {
		if uerr := o.store.UpdateRecording(ctx, rec); uerr != nil {
			log.Error().Err(uerr).Msg("Could not persist reconciled recording")
			err = errors.Join(err, fmt.Errorf("persist %s: %w", rec.SID, uerr))
		}
	}()

	if rec.ResourceID == "" || rec.SID == "" || rec.Acronym == "" {
		rec.MarkExited(o.now().UTC())
		return nil
	}

	live, qerr := o.tracker.Query(ctx, rec.ResourceID, rec.SID, true)
	if qerr != nil {
		log.Error().Err(qerr).Msg("Provider query failed, marking exited")
		rec.MarkExited(o.now().UTC())
		return fmt.Errorf("query %s: %w", rec.SID, qerr)
	}
	if !live {
		log.Debug().Msg("Provider has no active recording")
		rec.MarkExited(o.now().UTC())
		return nil
	}

	st, gerr := o.registry.GetOrCreate(ctx, rec.Acronym)
	if gerr != nil {
		log.Warn().Err(gerr).Msg("Owning session unavailable, marking exited")
		rec.MarkExited(o.now().UTC())
		return nil
	}

	if lerr := st.Lock(ctx); lerr != nil {
		rec.MarkExited(o.now().UTC())
		return lerr
	}
	defer st.Unlock()

	if !st.IsOpen() {
		log.Debug().Msg("Session no longer open, marking exited")
		rec.MarkExited(o.now().UTC())
		return nil
	}

	if rerr := o.tracker.Recreate(ctx, rec.Acronym, rec.ResourceID, rec.SID, true); rerr != nil {
		return rerr
	}
	st.RecordingSID = rec.SID
	st.RecordingState = types.RecordingOn
	if perr := o.registry.Persist(ctx, st); perr != nil {
		log.Warn().Err(perr).Msg("Failed to persist session after reconciliation")
	}
	log.Info().Msg("Active recording re-associated with session")
	return nil
}
