// Package dispatch implements the reminder dispatch core: given the
// current wall-clock time and the set of registered users, it decides who
// receives a notification now and guarantees at most one successful
// delivery per (user, calendar day), across repeated ticks, restarts and
// concurrent invocations.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/remindme/internal/notifier"
	"github.com/example/remindme/pkg/models"
)

// UserSource is the read side of the user directory.
type UserSource interface {
	ListActive(ctx context.Context) ([]models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// RecordStore persists dispatch records. Claim must be an atomic
// conditional transition from pending to in_flight.
type RecordStore interface {
	EnsurePending(ctx context.Context, userID int64, slotKey string) error
	HasRecordForDay(ctx context.Context, userID int64, day string) (bool, error)
	Claim(ctx context.Context, userID int64, slotKey string) (bool, error)
	MarkDelivered(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time, lastErr string, terminal bool) error
	Release(ctx context.Context, userID int64, slotKey string) error
	ReleaseAllInFlight(ctx context.Context) (int64, error)
	GetForDay(ctx context.Context, userID int64, day string) (*models.DispatchRecord, error)
	ListPendingForDay(ctx context.Context, day string) ([]models.DispatchRecord, error)
}

// Composer produces the literal text of a notification for a user.
type Composer interface {
	ComposeReminder(ctx context.Context, user models.User) (string, error)
}

// Notifier delivers a composed message over the user's channel.
type Notifier interface {
	Deliver(ctx context.Context, channel models.Channel, address, text string) error
}

// Options tunes the dispatcher. Zero values fall back to defaults.
type Options struct {
	MaxAttempts    int           // delivery attempts per slot before terminal failure
	RetryBaseDelay time.Duration // backoff after the first failure, doubling per attempt
	GraceWindow    time.Duration // how long past the preferred minute a user stays due
	Concurrency    int           // max parallel dispatches within a tick
	DeliverTimeout time.Duration // per-attempt compose+deliver budget
	Location       *time.Location
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Minute
	}
	if o.GraceWindow < 0 {
		o.GraceWindow = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.DeliverTimeout <= 0 {
		o.DeliverTimeout = 30 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

// RetryDecision is the outcome of the retry policy for a pending record.
type RetryDecision int

const (
	RetryNow RetryDecision = iota
	RetryAfter
	Abandon
)

// Dispatcher is the scheduling core. It owns dispatch records; users are
// read-only from its perspective.
type Dispatcher struct {
	users    UserSource
	records  RecordStore
	composer Composer
	notifier Notifier
	log      *zap.Logger
	opts     Options
}

// New creates a dispatcher.
func New(users UserSource, records RecordStore, composer Composer, n Notifier, log *zap.Logger, opts Options) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		users:    users,
		records:  records,
		composer: composer,
		notifier: n,
		log:      log,
		opts:     opts,
	}
}

// ReconcileOnStartup resolves records left in_flight by a crash back to
// pending so they are re-attempted. Within normal operation delivery is
// at-most-once; across a crash boundary this downgrades to at-least-once.
func (d *Dispatcher) ReconcileOnStartup(ctx context.Context) error {
	n, err := d.records.ReleaseAllInFlight(ctx)
	if err != nil {
		return &StoreError{Op: "reconcile", Err: err}
	}
	if n > 0 {
		d.log.Warn("reconciled in-flight dispatch records from previous run", zap.Int64("count", n))
	}
	return nil
}

// Tick runs one scheduling cycle at the given instant: it opens pending
// records for users whose preferred minute has arrived today, then
// dispatches every retry-ready pending record for the day with bounded
// concurrency. No user's failure affects another's dispatch.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	now = now.In(d.opts.Location)

	users, err := d.users.ListActive(ctx)
	if err != nil {
		return &StoreError{Op: "list active users", Err: err}
	}

	for _, u := range users {
		if !Due(now, u, d.opts.GraceWindow) {
			continue
		}
		// One slot per (user, day): if any record exists for today it
		// governs the day, even when the user's preferred time changed
		// after it was opened. Delivered and failed slots stay closed;
		// a pending one keeps retrying under its original key.
		exists, err := d.records.HasRecordForDay(ctx, u.ID, DayKey(now))
		if err != nil {
			d.log.Error("failed to check dispatch slot",
				zap.Int64("user_id", u.ID), zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		if err := d.records.EnsurePending(ctx, u.ID, SlotKey(now, u)); err != nil {
			d.log.Error("failed to open dispatch slot",
				zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}

	pending, err := d.records.ListPendingForDay(ctx, DayKey(now))
	if err != nil {
		return &StoreError{Op: "list pending records", Err: err}
	}

	sem := make(chan struct{}, d.opts.Concurrency)
	var wg sync.WaitGroup
	for _, rec := range pending {
		if decision, _ := d.RetryPolicy(rec, now); decision != RetryNow {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rec models.DispatchRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchOne(ctx, rec, now)
		}(rec)
	}
	wg.Wait()

	return nil
}

// RetryPolicy decides what to do with a pending record at the given
// instant. First attempts go immediately; failed attempts wait out an
// exponential backoff; exhausted records are abandoned (the store marks
// them terminal before they ever reach this point, so Abandon here only
// guards against inconsistent data).
func (d *Dispatcher) RetryPolicy(rec models.DispatchRecord, now time.Time) (RetryDecision, time.Duration) {
	if rec.AttemptCount >= d.opts.MaxAttempts {
		return Abandon, 0
	}
	if rec.AttemptCount == 0 || !rec.LastAttemptAt.Valid {
		return RetryNow, 0
	}
	delay := d.opts.RetryBaseDelay << (rec.AttemptCount - 1)
	next := rec.LastAttemptAt.Time.Add(delay)
	if now.Before(next) {
		return RetryAfter, next.Sub(now)
	}
	return RetryNow, 0
}

// DispatchStatus returns the record for (userID, day) for operator
// visibility. Day is a calendar date in "2006-01-02" form.
func (d *Dispatcher) DispatchStatus(ctx context.Context, userID int64, day string) (*models.DispatchRecord, error) {
	return d.records.GetForDay(ctx, userID, day)
}

// dispatchOne attempts delivery for a single pending record. All failures
// are recorded and logged here; nothing propagates to the caller.
func (d *Dispatcher) dispatchOne(ctx context.Context, rec models.DispatchRecord, now time.Time) {
	claimed, err := d.records.Claim(ctx, rec.UserID, rec.SlotKey)
	if err != nil {
		d.log.Error("failed to claim dispatch record",
			zap.Int64("user_id", rec.UserID), zap.String("slot", rec.SlotKey), zap.Error(err))
		return
	}
	if !claimed {
		// Another worker or instance won the slot.
		return
	}

	user, err := d.users.GetByID(ctx, rec.UserID)
	if err != nil {
		d.release(rec)
		d.log.Error("failed to load user for dispatch",
			zap.Int64("user_id", rec.UserID), zap.String("slot", rec.SlotKey), zap.Error(err))
		return
	}

	attempt := rec.AttemptCount + 1
	attemptID := uuid.NewString()
	log := d.log.With(
		zap.String("attempt_id", attemptID),
		zap.Int64("user_id", rec.UserID),
		zap.String("slot", rec.SlotKey),
		zap.Int("attempt", attempt),
	)

	actx, cancel := context.WithTimeout(ctx, d.opts.DeliverTimeout)
	defer cancel()

	text, err := d.composer.ComposeReminder(actx, *user)
	if err != nil {
		if ctx.Err() != nil {
			d.release(rec)
			return
		}
		d.recordFailure(rec, attempt, now, &ComposeError{Err: err}, false, log)
		return
	}

	err = d.notifier.Deliver(actx, user.Channel, user.ContactAddress, text)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown cancellation: no attempt was confirmed either way,
			// roll the record back for the next run.
			d.release(rec)
			return
		}
		d.recordFailure(rec, attempt, now, err, notifier.IsPermanent(err), log)
		return
	}

	err = d.withStoreCtx(func(sctx context.Context) error {
		return d.records.MarkDelivered(sctx, rec.UserID, rec.SlotKey, attempt, now)
	})
	if err != nil {
		// The message went out but the record did not stick. Leaving the
		// record in_flight blocks a duplicate send; reconcile will decide
		// after a restart.
		log.Error("delivered but failed to persist outcome", zap.Error(err))
		return
	}
	log.Info("reminder delivered")
}

// recordFailure books a failed attempt and decides terminality.
func (d *Dispatcher) recordFailure(rec models.DispatchRecord, attempt int, now time.Time, cause error, permanent bool, log *zap.Logger) {
	terminal := permanent || attempt >= d.opts.MaxAttempts
	err := d.withStoreCtx(func(sctx context.Context) error {
		return d.records.MarkFailed(sctx, rec.UserID, rec.SlotKey, attempt, now, cause.Error(), terminal)
	})
	if err != nil {
		log.Error("failed to persist dispatch failure", zap.Error(err))
		return
	}
	if terminal {
		log.Error("dispatch abandoned", zap.Bool("permanent", permanent), zap.Error(cause))
	} else {
		log.Warn("dispatch attempt failed, will retry", zap.Error(cause))
	}
}

// release rolls an in_flight record back to pending without counting an
// attempt.
func (d *Dispatcher) release(rec models.DispatchRecord) {
	err := d.withStoreCtx(func(sctx context.Context) error {
		return d.records.Release(sctx, rec.UserID, rec.SlotKey)
	})
	if err != nil {
		d.log.Error("failed to release dispatch record",
			zap.Int64("user_id", rec.UserID), zap.String("slot", rec.SlotKey), zap.Error(err))
	}
}

// withStoreCtx runs outcome bookkeeping on a fresh context so that a
// cancelled tick can still roll its records back instead of stranding
// them in_flight.
func (d *Dispatcher) withStoreCtx(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx)
}
