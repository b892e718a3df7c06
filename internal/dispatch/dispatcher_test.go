package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/remindme/internal/notifier"
	"github.com/example/remindme/pkg/models"
)

// fakeUsers is an in-memory UserSource.
type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]models.User
}

func newFakeUsers(users ...models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[int64]models.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) ListActive(ctx context.Context) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.User
	for _, u := range f.users {
		if u.Active {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUsers) set(u models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeUsers) GetByID(ctx context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return &u, nil
}

// fakeStore is an in-memory RecordStore with the same transition rules as
// the SQL implementation.
type fakeStore struct {
	mu    sync.Mutex
	recs  map[string]*models.DispatchRecord
	users *fakeUsers
}

func newFakeStore(users *fakeUsers) *fakeStore {
	return &fakeStore{recs: make(map[string]*models.DispatchRecord), users: users}
}

func key(userID int64, slotKey string) string {
	return fmt.Sprintf("%d|%s", userID, slotKey)
}

func (f *fakeStore) EnsurePending(ctx context.Context, userID int64, slotKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[key(userID, slotKey)]; ok {
		return nil
	}
	f.recs[key(userID, slotKey)] = &models.DispatchRecord{
		UserID:  userID,
		SlotKey: slotKey,
		Status:  models.DispatchPending,
	}
	return nil
}

func (f *fakeStore) HasRecordForDay(ctx context.Context, userID int64, day string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.UserID == userID && strings.HasPrefix(rec.SlotKey, day+"T") {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Claim(ctx context.Context, userID int64, slotKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[key(userID, slotKey)]
	if !ok || rec.Status != models.DispatchPending {
		return false, nil
	}
	rec.Status = models.DispatchInFlight
	return true, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time) error {
	return f.finish(userID, slotKey, models.DispatchDelivered, attempts, at, "")
}

func (f *fakeStore) MarkFailed(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time, lastErr string, terminal bool) error {
	status := models.DispatchPending
	if terminal {
		status = models.DispatchFailed
	}
	return f.finish(userID, slotKey, status, attempts, at, lastErr)
}

func (f *fakeStore) finish(userID int64, slotKey string, status models.DispatchStatus, attempts int, at time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[key(userID, slotKey)]
	if !ok || rec.Status != models.DispatchInFlight {
		return errors.New("record not in flight")
	}
	rec.Status = status
	rec.AttemptCount = attempts
	rec.LastAttemptAt.Valid = true
	rec.LastAttemptAt.Time = at
	rec.LastError = lastErr
	return nil
}

func (f *fakeStore) Release(ctx context.Context, userID int64, slotKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[key(userID, slotKey)]
	if ok && rec.Status == models.DispatchInFlight {
		rec.Status = models.DispatchPending
	}
	return nil
}

func (f *fakeStore) ReleaseAllInFlight(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, rec := range f.recs {
		if rec.Status == models.DispatchInFlight {
			rec.Status = models.DispatchPending
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetForDay(ctx context.Context, userID int64, day string) (*models.DispatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.UserID == userID && strings.HasPrefix(rec.SlotKey, day+"T") {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeStore) ListPendingForDay(ctx context.Context, day string) ([]models.DispatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DispatchRecord
	for _, rec := range f.recs {
		if rec.Status != models.DispatchPending || !strings.HasPrefix(rec.SlotKey, day+"T") {
			continue
		}
		f.users.mu.Lock()
		active := f.users.users[rec.UserID].Active
		f.users.mu.Unlock()
		if active {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// stubComposer returns fixed text unless a failure is scripted.
type stubComposer struct {
	mu    sync.Mutex
	calls int
	fn    func(u models.User) (string, error)
}

func (s *stubComposer) ComposeReminder(ctx context.Context, u models.User) (string, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(u)
	}
	return "haiku text", nil
}

// stubNotifier counts delivery attempts and returns scripted errors.
type stubNotifier struct {
	mu       sync.Mutex
	attempts int
	byAddr   map[string]int
	fn       func(ctx context.Context, address string) error
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{byAddr: make(map[string]int)}
}

func (s *stubNotifier) Deliver(ctx context.Context, channel models.Channel, address, text string) error {
	s.mu.Lock()
	s.attempts++
	s.byAddr[address]++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, address)
	}
	return nil
}

func (s *stubNotifier) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

var alice = models.User{
	ID: 1, Name: "Alice", ContactAddress: "+15550001111",
	Channel: models.ChannelWhatsApp, PreferredHour: 9, PreferredMinute: 0, Active: true,
}

func newTestDispatcher(users *fakeUsers, opts Options) (*Dispatcher, *fakeStore, *stubComposer, *stubNotifier) {
	store := newFakeStore(users)
	comp := &stubComposer{}
	not := newStubNotifier()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	d := New(users, store, comp, not, zap.NewNop(), opts)
	return d, store, comp, not
}

func at(h, m, s int) time.Time {
	return time.Date(2025, time.May, 5, h, m, s, 0, time.UTC)
}

func TestTickDeliversExactlyOnce(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{GraceWindow: 5 * time.Minute})
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 30)))

	require.Equal(t, 1, not.total())
	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, rec.Status)
	require.Equal(t, 1, rec.AttemptCount)

	// A second tick within the same minute must not send again.
	require.NoError(t, d.Tick(ctx, at(9, 0, 45)))
	require.Equal(t, 1, not.total())
}

func TestTickIdempotentForSameInstant(t *testing.T) {
	users := newFakeUsers(alice)
	d, _, _, not := newTestDispatcher(users, Options{})
	ctx := context.Background()

	now := at(9, 0, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Tick(ctx, now))
	}
	require.Equal(t, 1, not.total())
}

func TestInactiveUserNeverDispatched(t *testing.T) {
	paused := alice
	paused.Active = false
	users := newFakeUsers(paused)
	d, store, _, not := newTestDispatcher(users, Options{})

	require.NoError(t, d.Tick(context.Background(), at(9, 0, 0)))

	require.Equal(t, 0, not.total())
	_, err := store.GetForDay(context.Background(), paused.ID, "2025-05-05")
	require.Error(t, err)
}

func TestUsersOutsideSlotNotDue(t *testing.T) {
	users := newFakeUsers(alice)
	d, _, _, not := newTestDispatcher(users, Options{GraceWindow: 5 * time.Minute})

	require.NoError(t, d.Tick(context.Background(), at(8, 59, 59)))
	require.NoError(t, d.Tick(context.Background(), at(9, 6, 0)))
	require.Equal(t, 0, not.total())
}

func TestPermanentErrorShortCircuitsRetries(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{MaxAttempts: 3})
	not.fn = func(ctx context.Context, address string) error {
		return &notifier.PermanentError{Err: errors.New("invalid address")}
	}
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))
	require.NoError(t, d.Tick(ctx, at(9, 0, 30)))

	require.Equal(t, 1, not.total())
	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchFailed, rec.Status)
	require.Equal(t, 1, rec.AttemptCount)
	require.Contains(t, rec.LastError, "invalid address")
}

func TestRetryExhaustionEndsInTerminalFailed(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
		GraceWindow:    5 * time.Minute,
	})
	not.fn = func(ctx context.Context, address string) error {
		return &notifier.TransientError{Err: errors.New("timeout")}
	}
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0))) // attempt 1
	require.Equal(t, 1, not.total())

	// Within backoff: no new attempt.
	require.NoError(t, d.Tick(ctx, at(9, 0, 30)))
	require.Equal(t, 1, not.total())

	require.NoError(t, d.Tick(ctx, at(9, 2, 0))) // attempt 2 (1m backoff elapsed)
	require.Equal(t, 2, not.total())

	require.NoError(t, d.Tick(ctx, at(9, 5, 0))) // attempt 3 (2m backoff elapsed)
	require.Equal(t, 3, not.total())

	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchFailed, rec.Status)
	require.Equal(t, 3, rec.AttemptCount)

	// Terminal: no further attempts, ever.
	require.NoError(t, d.Tick(ctx, at(9, 30, 0)))
	require.Equal(t, 3, not.total())
}

func TestComposeFailureCountsAsAttempt(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, comp, not := newTestDispatcher(users, Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
	})
	comp.fn = func(u models.User) (string, error) {
		return "", errors.New("model unavailable")
	}
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))

	require.Equal(t, 0, not.total()) // nothing was sent
	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchPending, rec.Status)
	require.Equal(t, 1, rec.AttemptCount)
	require.Contains(t, rec.LastError, "compose error")

	// Compose recovers: backoff elapses and delivery succeeds.
	comp.fn = nil
	require.NoError(t, d.Tick(ctx, at(9, 2, 0)))
	require.Equal(t, 1, not.total())
	rec, err = store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, rec.Status)
}

func TestCrashRecoveryDeliversExactlyOnce(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{})
	ctx := context.Background()

	// Simulate a crash mid-delivery: record stuck in_flight.
	require.NoError(t, store.EnsurePending(ctx, alice.ID, "2025-05-05T09:00"))
	claimed, err := store.Claim(ctx, alice.ID, "2025-05-05T09:00")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, d.ReconcileOnStartup(ctx))
	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchPending, rec.Status)

	require.NoError(t, d.Tick(ctx, at(9, 0, 30)))
	require.NoError(t, d.Tick(ctx, at(9, 1, 0)))
	require.Equal(t, 1, not.total())
}

func TestClockJumpDoesNotDoubleFire(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{GraceWindow: 5 * time.Minute})
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))
	require.Equal(t, 1, not.total())

	// Clock corrected backward an hour, then forward to the slot again.
	require.NoError(t, d.Tick(ctx, at(8, 0, 0)))
	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))
	require.NoError(t, d.Tick(ctx, at(9, 3, 0)))

	require.Equal(t, 1, not.total())
	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, rec.Status)
	require.Equal(t, 1, rec.AttemptCount)
}

func TestTimeChangeAfterDeliveryDoesNotRedeliver(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{})
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))
	require.Equal(t, 1, not.total())

	// Alice moves her reminder later the same day: today's slot stays
	// closed, no second delivery.
	moved := alice
	moved.PreferredHour = 10
	users.set(moved)

	require.NoError(t, d.Tick(ctx, at(10, 0, 0)))
	require.Equal(t, 1, not.total())

	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, rec.Status)
	require.Equal(t, "2025-05-05T09:00", rec.SlotKey)

	// The next day fires once, at the new time.
	require.NoError(t, d.Tick(ctx, time.Date(2025, time.May, 6, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, 2, not.total())
}

func TestTimeChangeDoesNotOpenSecondSlot(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
	})
	not.fn = func(ctx context.Context, address string) error {
		return &notifier.TransientError{Err: errors.New("timeout")}
	}
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0))) // attempt 1 fails
	require.Equal(t, 1, not.total())

	// The time change while today's slot is still pending must not mint
	// a second slot; the retry continues under the original key.
	moved := alice
	moved.PreferredHour = 9
	moved.PreferredMinute = 2
	users.set(moved)

	not.fn = nil
	require.NoError(t, d.Tick(ctx, at(9, 2, 0)))
	require.Equal(t, 2, not.total())

	rec, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, rec.Status)
	require.Equal(t, "2025-05-05T09:00", rec.SlotKey)
}

func TestConcurrentTicksDeliverOnce(t *testing.T) {
	users := newFakeUsers(alice)
	d, _, _, not := newTestDispatcher(users, Options{Concurrency: 4})
	not.fn = func(ctx context.Context, address string) error {
		time.Sleep(10 * time.Millisecond) // widen the race window
		return nil
	}
	ctx := context.Background()
	now := at(9, 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Tick(ctx, now)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, not.total())
}

func TestFailureIsolationBetweenUsers(t *testing.T) {
	bob := models.User{
		ID: 2, Name: "Bob", ContactAddress: "200",
		Channel: models.ChannelTelegram, PreferredHour: 9, PreferredMinute: 0, Active: true,
	}
	users := newFakeUsers(alice, bob)
	d, store, comp, not := newTestDispatcher(users, Options{})
	comp.fn = func(u models.User) (string, error) {
		if u.ID == alice.ID {
			return "", errors.New("model unavailable")
		}
		return "haiku text", nil
	}
	ctx := context.Background()

	require.NoError(t, d.Tick(ctx, at(9, 0, 0)))

	require.Equal(t, 1, not.byAddr["200"])
	recBob, err := store.GetForDay(ctx, bob.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchDelivered, recBob.Status)

	recAlice, err := store.GetForDay(ctx, alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchPending, recAlice.Status)
	require.Equal(t, 1, recAlice.AttemptCount)
}

func TestCancelledDispatchRollsBackToPending(t *testing.T) {
	users := newFakeUsers(alice)
	d, store, _, not := newTestDispatcher(users, Options{DeliverTimeout: time.Minute})

	started := make(chan struct{})
	not.fn = func(ctx context.Context, address string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Tick(ctx, at(9, 0, 0))
	}()

	<-started
	cancel()
	<-done

	rec, err := store.GetForDay(context.Background(), alice.ID, "2025-05-05")
	require.NoError(t, err)
	require.Equal(t, models.DispatchPending, rec.Status)
	require.Equal(t, 0, rec.AttemptCount) // a cancelled attempt is not counted
}

func TestRetryPolicyDecisions(t *testing.T) {
	d, _, _, _ := newTestDispatcher(newFakeUsers(), Options{
		MaxAttempts:    3,
		RetryBaseDelay: time.Minute,
	})
	now := at(9, 10, 0)

	fresh := models.DispatchRecord{Status: models.DispatchPending}
	decision, _ := d.RetryPolicy(fresh, now)
	require.Equal(t, RetryNow, decision)

	failedOnce := fresh
	failedOnce.AttemptCount = 1
	failedOnce.LastAttemptAt.Valid = true
	failedOnce.LastAttemptAt.Time = at(9, 9, 30)
	decision, wait := d.RetryPolicy(failedOnce, now)
	require.Equal(t, RetryAfter, decision)
	require.Equal(t, 30*time.Second, wait)

	failedOnce.LastAttemptAt.Time = at(9, 9, 0)
	decision, _ = d.RetryPolicy(failedOnce, now)
	require.Equal(t, RetryNow, decision)

	exhausted := fresh
	exhausted.AttemptCount = 3
	decision, _ = d.RetryPolicy(exhausted, now)
	require.Equal(t, Abandon, decision)
}
