package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/cronus/internal/cronexpr"
	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/pkg/protocol"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]job.Job
	order     []string
	insertErr error
	deleteErr error
	loadErr   error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]job.Job)}
}

func (s *fakeStore) Insert(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records[j.ID] = j
	s.order = append(s.order, j.ID)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.records, id)
	return nil
}

func (s *fakeStore) UpdateLastFire(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.records[id]; ok {
		j.LastFire = at
		s.records[id] = j
	}
	return nil
}

func (s *fakeStore) UpdateOutcome(_ context.Context, id string, o job.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.records[id]; ok {
		out := o
		j.LastOutcome = &out
		s.records[id] = j
	}
	return nil
}

func (s *fakeStore) LoadAll(_ context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]job.Job, 0, len(s.order))
	for _, id := range s.order {
		if j, ok := s.records[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	return New(Config{Store: store, Logger: testLogger()})
}

func TestAddThenList(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())

	added, err := r.Add(context.Background(), Definition{
		Spec:    "*/5 * * * *",
		Command: "echo",
		Args:    []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if added.ID == "" {
		t.Fatal("Add() assigned no id")
	}

	jobs := r.List()
	if len(jobs) != 1 {
		t.Fatalf("List() returned %d jobs, want 1", len(jobs))
	}
	got := jobs[0]
	if got.ID != added.ID || got.Spec != "*/5 * * * *" || got.Command != "echo" {
		t.Errorf("listed job = %+v", got)
	}
	if len(got.Args) != 1 || got.Args[0] != "hello" {
		t.Errorf("listed args = %v", got.Args)
	}
	if got.CreatedAt.IsZero() {
		t.Error("creation timestamp not set")
	}
	if got.Running || got.LastOutcome != nil || !got.LastFire.IsZero() {
		t.Errorf("fresh job carries run state: %+v", got)
	}
}

func TestAdd_InvalidSpecMutatesNothing(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRegistry(t, store)

	_, err := r.Add(context.Background(), Definition{Spec: "61 * * * *", Command: "echo"})
	var pe *cronexpr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Add() error = %v, want *cronexpr.ParseError", err)
	}
	if r.Len() != 0 || store.count() != 0 {
		t.Error("failed add left state behind")
	}
}

func TestAdd_Validation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())

	if _, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "   "}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("empty command error = %v, want ErrEmptyCommand", err)
	}
	if _, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "echo", Timeout: -time.Second}); !errors.Is(err, ErrNegativeTimeout) {
		t.Errorf("negative timeout error = %v, want ErrNegativeTimeout", err)
	}
}

func TestAdd_StoreFailureIsWriteThenAck(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	r := newTestRegistry(t, store)

	_, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "echo"})
	if err == nil {
		t.Fatal("Add() acked despite a store failure")
	}
	if r.Len() != 0 {
		t.Error("unacked add is visible in memory")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRegistry(t, store)

	added, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "echo"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	found, err := r.Remove(context.Background(), added.ID)
	if err != nil || !found {
		t.Fatalf("Remove() = (%v, %v), want (true, nil)", found, err)
	}
	found, err = r.Remove(context.Background(), added.ID)
	if err != nil || found {
		t.Fatalf("repeat Remove() = (%v, %v), want (false, nil)", found, err)
	}
	if store.count() != 0 {
		t.Error("store still holds the removed job")
	}
}

func TestRemove_StoreFailureKeepsJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRegistry(t, store)

	added, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "echo"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	store.mu.Lock()
	store.deleteErr = errors.New("io error")
	store.mu.Unlock()

	if _, err := r.Remove(context.Background(), added.ID); err == nil {
		t.Fatal("Remove() acked despite a store failure")
	}
	if r.Len() != 1 {
		t.Error("job vanished from memory although the store delete failed")
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())

	added, err := r.Add(context.Background(), Definition{Spec: "* * * * *", Command: "echo"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	got, err := r.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ID != added.ID {
		t.Errorf("Get() id = %q, want %q", got.ID, added.ID)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestList_InsertionOrderAndIsolation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())

	var ids []string
	for i := 0; i < 4; i++ {
		added, err := r.Add(context.Background(), Definition{
			Spec:    "* * * * *",
			Command: fmt.Sprintf("cmd-%d", i),
			Args:    []string{"x"},
		})
		if err != nil {
			t.Fatalf("Add() = %v", err)
		}
		ids = append(ids, added.ID)
	}

	jobs := r.List()
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Fatalf("List() order: position %d has %s, want %s", i, j.ID, ids[i])
		}
	}

	// Snapshots are copies: mutating them must not leak into the registry.
	jobs[0].Args[0] = "mutated"
	if again := r.List(); again[0].Args[0] != "x" {
		t.Error("List() snapshot shares state with the registry")
	}
}

func TestBeginRun_OverlapPolicy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())
	ctx := context.Background()

	added, err := r.Add(ctx, Definition{Spec: "* * * * *", Command: "echo"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	fired := time.Now()
	snap, err := r.BeginRun(ctx, added.ID, fired)
	if err != nil {
		t.Fatalf("BeginRun() = %v", err)
	}
	if !snap.Running || !snap.LastFire.Equal(fired) {
		t.Errorf("BeginRun snapshot = %+v", snap)
	}

	// Second trigger while running is refused, not queued.
	if _, err := r.BeginRun(ctx, added.ID, fired.Add(time.Minute)); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("overlapping BeginRun error = %v, want ErrAlreadyRunning", err)
	}

	r.FinishRun(ctx, added.ID, job.Outcome{Status: job.StatusSucceeded, StartedAt: fired})

	got, err := r.Get(added.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Running {
		t.Error("running flag not cleared by FinishRun")
	}
	if got.LastOutcome == nil || got.LastOutcome.Status != job.StatusSucceeded {
		t.Errorf("outcome not recorded: %+v", got.LastOutcome)
	}

	// After completion the job can run again.
	if _, err := r.BeginRun(ctx, added.ID, fired.Add(2*time.Minute)); err != nil {
		t.Errorf("BeginRun after FinishRun = %v", err)
	}

	if _, err := r.BeginRun(ctx, "missing", fired); !errors.Is(err, ErrNotFound) {
		t.Errorf("BeginRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFinishRun_DetachedOutcomeDiscarded(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())
	ctx := context.Background()

	added, err := r.Add(ctx, Definition{Spec: "* * * * *", Command: "sleep"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if _, err := r.BeginRun(ctx, added.ID, time.Now()); err != nil {
		t.Fatalf("BeginRun() = %v", err)
	}

	// Delete while the execution is in flight: the record goes away now.
	found, err := r.Remove(ctx, added.ID)
	if err != nil || !found {
		t.Fatalf("Remove() = (%v, %v)", found, err)
	}

	// The detached execution's outcome arrives later and is dropped.
	r.FinishRun(ctx, added.ID, job.Outcome{Status: job.StatusSucceeded})
	if r.Len() != 0 {
		t.Error("discarded outcome resurrected the job")
	}
}

func TestChanged_CoalescedWakeSignal(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())
	ctx := context.Background()

	// Several mutations collapse into at least one pending signal.
	for i := 0; i < 3; i++ {
		if _, err := r.Add(ctx, Definition{Spec: "* * * * *", Command: "echo"}); err != nil {
			t.Fatalf("Add() = %v", err)
		}
	}

	select {
	case <-r.Changed():
	default:
		t.Fatal("no wake signal pending after mutations")
	}

	// FinishRun also wakes the scheduler so skipped triggers re-fire.
	jobs := r.List()
	if _, err := r.BeginRun(ctx, jobs[0].ID, time.Now()); err != nil {
		t.Fatalf("BeginRun() = %v", err)
	}
	// Drain any pending signal first.
	select {
	case <-r.Changed():
	default:
	}
	r.FinishRun(ctx, jobs[0].ID, job.Outcome{Status: job.StatusSucceeded})
	select {
	case <-r.Changed():
	default:
		t.Fatal("FinishRun did not signal the wake channel")
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(testLogger())
	defer hub.Close()
	sub, cancel := hub.Subscribe()
	defer cancel()

	r := New(Config{Store: newFakeStore(), Events: hub, Logger: testLogger()})
	ctx := context.Background()

	added, err := r.Add(ctx, Definition{Spec: "* * * * *", Command: "echo"})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if _, err := r.Remove(ctx, added.ID); err != nil {
		t.Fatalf("Remove() = %v", err)
	}

	want := []string{protocol.EventJobAdded, protocol.EventJobRemoved}
	for _, typ := range want {
		select {
		case ev := <-sub:
			if ev.Type != typ || ev.JobID != added.ID {
				t.Errorf("event = %+v, want type %s for %s", ev, typ, added.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event published", typ)
		}
	}
}

func TestLoad_ReplacesStateAndClearsRunning(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	seed := job.Job{
		ID:        "seeded",
		Spec:      "0 6 * * *",
		Expr:      cronexpr.MustParse("0 6 * * *"),
		Command:   "backup",
		CreatedAt: time.Now().Add(-time.Hour),
		Running:   true, // stale flag from a crashed run
	}
	if err := store.Insert(context.Background(), seed); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	r := newTestRegistry(t, store)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load() = %v", err)
	}

	jobs := r.List()
	if len(jobs) != 1 || jobs[0].ID != "seeded" {
		t.Fatalf("loaded jobs = %+v", jobs)
	}
	if jobs[0].Running {
		t.Error("stale running flag survived the load")
	}
}

func TestLoad_FailureIsFatal(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.loadErr = errors.New("corrupt record")

	r := newTestRegistry(t, store)
	if err := r.Load(context.Background()); err == nil {
		t.Fatal("Load() succeeded on a corrupt store")
	}
}

func TestConcurrentClients(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeStore())
	ctx := context.Background()

	const (
		writers       = 8
		addsPerWriter = 16
	)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked []string
	)

	stopReaders := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stopReaders:
					return
				default:
				}
				// Every snapshot must be internally consistent: no job
				// half-added, every entry fully formed.
				for _, j := range r.List() {
					if j.ID == "" || j.Command == "" || j.Expr == nil {
						t.Error("torn read: partially constructed job visible")
						return
					}
				}
			}
		}()
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < addsPerWriter; i++ {
				added, err := r.Add(ctx, Definition{
					Spec:    "* * * * *",
					Command: fmt.Sprintf("writer-%d-%d", w, i),
				})
				if err != nil {
					t.Errorf("Add() = %v", err)
					return
				}
				mu.Lock()
				acked = append(acked, added.ID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(stopReaders)
	readers.Wait()

	if got := r.Len(); got != writers*addsPerWriter {
		t.Fatalf("Len() = %d, want %d", got, writers*addsPerWriter)
	}

	// Every acked add must still be present: ok:true means durably added.
	listed := make(map[string]bool)
	for _, j := range r.List() {
		listed[j.ID] = true
	}
	for _, id := range acked {
		if !listed[id] {
			t.Errorf("acked job %s lost", id)
		}
	}

	// Concurrent removals drain the registry completely.
	for _, id := range acked {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if found, err := r.Remove(ctx, id); err != nil || !found {
				t.Errorf("Remove(%s) = (%v, %v)", id, found, err)
			}
		}(id)
	}
	wg.Wait()

	if got := r.Len(); got != 0 {
		t.Errorf("Len() after removals = %d, want 0", got)
	}
}
