package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/breaker"
)

// memTaskStore is an in-memory TaskStore with database copy semantics
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]models.OrderTaskModel
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]models.OrderTaskModel)}
}

func (s *memTaskStore) GetTask(taskID string) (*models.OrderTaskModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := task
	return &copied, nil
}

func (s *memTaskStore) GetTaskByBrokerOrderID(brokerOrderID string) (*models.OrderTaskModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.BrokerOrderID == brokerOrderID {
			copied := task
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memTaskStore) CreateTask(task *models.OrderTaskModel) (*models.OrderTaskModel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.TaskID]; ok {
		copied := existing
		return &copied, false, nil
	}
	s.tasks[task.TaskID] = *task
	copied := *task
	return &copied, true, nil
}

func (s *memTaskStore) UpdateTask(task *models.OrderTaskModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = *task
	return nil
}

func (s *memTaskStore) GetPendingTasks() ([]models.OrderTaskModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderTaskModel
	for _, task := range s.tasks {
		if task.State == models.TaskStatePending || task.State == models.TaskStateDispatching {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListDeadLetters() ([]models.OrderTaskModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OrderTaskModel
	for _, task := range s.tasks {
		if task.State == models.TaskStateDeadLettered {
			out = append(out, task)
		}
	}
	return out, nil
}

// fakeBroker scripts per-account outcomes; nil means success
type fakeBroker struct {
	mu        sync.Mutex
	scripts   map[string][]error
	calls     []string
	cancelled []string
	nextID    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{scripts: make(map[string][]error)}
}

func (b *fakeBroker) script(accountID string, errs ...error) {
	b.mu.Lock()
	b.scripts[accountID] = append(b.scripts[accountID], errs...)
	b.mu.Unlock()
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, accountID string, params upstream.OrderParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, accountID)
	if q := b.scripts[accountID]; len(q) > 0 {
		err := q[0]
		b.scripts[accountID] = q[1:]
		if err != nil {
			return "", err
		}
	}
	b.nextID++
	return fmt.Sprintf("BRK%04d", b.nextID), nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, accountID, variety, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, brokerOrderID)
	return nil
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestExecutor(store TaskStore, broker BrokerGateway) *OrderExecutor {
	m, _ := metrics.NewRegistry()
	e := NewOrderExecutor("test-secret", store, broker, ExecutorConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Breaker:     breaker.Config{ConsecutiveFailures: 5, WindowSize: 20, FailureRate: 0.5, OpenDuration: time.Minute},
	}, m)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func testOrderRequest(key, account string) models.OrderRequest {
	return models.OrderRequest{
		IdempotencyKey:  key,
		AccountID:       account,
		InstrumentToken: 408065,
		Side:            models.SideBuy,
		Quantity:        50,
		Price:           decimal.NewFromFloat(1520.50),
		Product:         "MIS",
		Variety:         "regular",
		Validity:        "DAY",
	}
}

// createTask records a task directly so dispatch can be driven
// synchronously without the account worker
func createTask(t *testing.T, e *OrderExecutor, req models.OrderRequest) string {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	task := &models.OrderTaskModel{
		TaskID:    e.TaskID(req.IdempotencyKey, req.AccountID),
		AccountID: req.AccountID,
		State:     models.TaskStatePending,
		Request:   raw,
	}
	if _, created, err := e.store.CreateTask(task); err != nil || !created {
		t.Fatalf("task setup failed: created=%v err=%v", created, err)
	}
	return task.TaskID
}

func TestTaskIDDeterministicAndScoped(t *testing.T) {
	e := newTestExecutor(newMemTaskStore(), newFakeBroker())
	a := e.TaskID("key-1", "acct-a")
	if a != e.TaskID("key-1", "acct-a") {
		t.Error("same inputs produced different task ids")
	}
	if a == e.TaskID("key-1", "acct-b") {
		t.Error("different accounts share a task id")
	}
	if a == e.TaskID("key-2", "acct-a") {
		t.Error("different keys share a task id")
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	e := newTestExecutor(newMemTaskStore(), newFakeBroker())
	cases := []models.OrderRequest{
		{},
		{IdempotencyKey: "k", AccountID: "a", InstrumentToken: 1, Side: "HOLD", Quantity: 1},
		{IdempotencyKey: "k", AccountID: "a", InstrumentToken: 1, Side: models.SideBuy, Quantity: 0},
	}
	for i, req := range cases {
		if _, err := e.Submit(context.Background(), req); !IsKind(err, KindContract) {
			t.Errorf("case %d: err = %v, want contract error", i, err)
		}
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	req := testOrderRequest("key-1", "acct-a")
	first, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	waitForTerminal(t, store, first.TaskID)

	second, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.TaskID != first.TaskID {
		t.Error("repeat submission produced a different task")
	}
	if second.State != models.TaskStatePlaced {
		t.Errorf("repeat submission state = %q, want placed", second.State)
	}
	if broker.callCount() != 1 {
		t.Errorf("broker called %d times, want 1", broker.callCount())
	}
}

func TestDispatchRetriesTransientThenPlaces(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	broker.script("acct-a",
		&upstream.HTTPError{StatusCode: 503, Message: "unavailable"},
		&upstream.HTTPError{StatusCode: 503, Message: "unavailable"},
		nil,
	)
	e := newTestExecutor(store, broker)

	id := createTask(t, e, testOrderRequest("key-r", "acct-a"))
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStatePlaced {
		t.Fatalf("state = %q (%s), want placed", task.State, task.LastError)
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if task.BrokerOrderID == "" {
		t.Error("broker order id not recorded")
	}
}

func TestDispatchTerminalOnBrokerRejection(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	broker.script("acct-a", &upstream.HTTPError{StatusCode: 400, ErrorType: "InputException", Message: "bad qty"})
	e := newTestExecutor(store, broker)

	id := createTask(t, e, testOrderRequest("key-t", "acct-a"))
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStateFailed {
		t.Fatalf("state = %q, want failed", task.State)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d after terminal rejection, want 1", task.Attempts)
	}
	if broker.callCount() != 1 {
		t.Errorf("broker called %d times, want 1", broker.callCount())
	}
}

func TestDispatchFailsOverRetainingTaskID(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	for i := 0; i < 3; i++ {
		broker.script("acct-a", &upstream.HTTPError{StatusCode: 502, Message: "bad gateway"})
	}
	e := newTestExecutor(store, broker)

	req := testOrderRequest("key-f", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	id := createTask(t, e, req)
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStatePlaced {
		t.Fatalf("state = %q (%s), want placed on failover", task.State, task.LastError)
	}
	if task.AccountID != "acct-b" {
		t.Errorf("placed on %q, want acct-b", task.AccountID)
	}
	if task.TaskID != id {
		t.Error("task id changed across failover")
	}
}

func TestDispatchDeadLettersWhenChainExhausted(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	for i := 0; i < 6; i++ {
		broker.script("acct-a", &upstream.HTTPError{StatusCode: 500})
		broker.script("acct-b", &upstream.HTTPError{StatusCode: 500})
	}
	e := newTestExecutor(store, broker)

	req := testOrderRequest("key-d", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	id := createTask(t, e, req)
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStateDeadLettered {
		t.Fatalf("state = %q, want dead-lettered", task.State)
	}
	dead, err := e.DeadLetters()
	if err != nil || len(dead) != 1 {
		t.Errorf("dead letters = %d (err %v), want 1", len(dead), err)
	}
}

func TestDispatchSkipsAccountWithOpenCircuit(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	// trip acct-a's breaker before the task runs
	br := e.breakerFor("acct-a")
	for i := 0; i < 5; i++ {
		br.Failure()
	}
	if br.State() != breaker.Open {
		t.Fatal("setup: breaker not open")
	}

	req := testOrderRequest("key-c", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	id := createTask(t, e, req)
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStatePlaced || task.AccountID != "acct-b" {
		t.Fatalf("state=%q account=%q, want placed on acct-b", task.State, task.AccountID)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, acct := range broker.calls {
		if acct == "acct-a" {
			t.Error("open circuit did not block acct-a")
		}
	}
}

func TestSubmitRejectsWhenCircuitOpen(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	br := e.breakerFor("acct-a")
	for i := 0; i < 5; i++ {
		br.Failure()
	}
	if br.State() != breaker.Open {
		t.Fatal("setup: breaker not open")
	}

	req := testOrderRequest("key-co", "acct-a")
	task, err := e.Submit(context.Background(), req)
	if task != nil {
		t.Error("submission accepted while the only account's circuit is open")
	}
	if !IsKind(err, KindResource) {
		t.Fatalf("err = %v, want resource error", err)
	}
	if _, err := store.GetTask(e.TaskID(req.IdempotencyKey, req.AccountID)); err == nil {
		t.Error("rejected submission left a task behind")
	}
	if broker.callCount() != 0 {
		t.Error("broker called for a rejected submission")
	}
	// the rejection must not burn the half-open probe
	if br.State() != breaker.Open {
		t.Errorf("breaker state = %v after submit check, want still open", br.State())
	}
}

func TestSubmitAcceptsWhenFailoverCircuitClosed(t *testing.T) {
	store := newMemTaskStore()
	e := newTestExecutor(store, newFakeBroker())

	br := e.breakerFor("acct-a")
	for i := 0; i < 5; i++ {
		br.Failure()
	}

	req := testOrderRequest("key-cf", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	task, err := e.Submit(context.Background(), req)
	if err != nil || task == nil {
		t.Fatalf("submit with a healthy failover account failed: %v", err)
	}
}

func TestDispatchParksTaskWhenAllCircuitsOpen(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	for _, acct := range []string{"acct-a", "acct-b"} {
		br := e.breakerFor(acct)
		for i := 0; i < 5; i++ {
			br.Failure()
		}
	}

	req := testOrderRequest("key-cp", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	id := createTask(t, e, req)
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStateFailed {
		t.Fatalf("state = %q, want failed", task.State)
	}
	if task.LastError != "circuit_open" {
		t.Errorf("last_error = %q, want circuit_open", task.LastError)
	}
	if task.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", task.Attempts)
	}
	if broker.callCount() != 0 {
		t.Error("broker called through open circuits")
	}
	dead, err := e.DeadLetters()
	if err != nil || len(dead) != 0 {
		t.Errorf("dead letters = %d (err %v), want none", len(dead), err)
	}
}

func TestDispatchFailsOverOnAuthRejection(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	broker.script("acct-a", E(KindAuth, "no valid token for account acct-a"))
	e := newTestExecutor(store, broker)

	req := testOrderRequest("key-fa", "acct-a")
	req.FailoverAccounts = []string{"acct-b"}
	id := createTask(t, e, req)
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStatePlaced {
		t.Fatalf("state = %q (%s), want placed via failover", task.State, task.LastError)
	}
	if task.AccountID != "acct-b" {
		t.Errorf("placed on %q, want acct-b", task.AccountID)
	}
	broker.mu.Lock()
	calls := append([]string(nil), broker.calls...)
	broker.mu.Unlock()
	if len(calls) != 2 || calls[0] != "acct-a" || calls[1] != "acct-b" {
		t.Errorf("broker calls = %v, want [acct-a acct-b]", calls)
	}
}

func TestCancelBeforeDispatchMarksFailed(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	id := createTask(t, e, testOrderRequest("key-x", "acct-a"))
	if _, err := e.Cancel(id); err != nil {
		t.Fatal(err)
	}
	e.dispatch(context.Background(), id)

	task, _ := store.GetTask(id)
	if task.State != models.TaskStateFailed || !task.Cancelled {
		t.Errorf("state=%q cancelled=%v, want failed+cancelled", task.State, task.Cancelled)
	}
	if broker.callCount() != 0 {
		t.Error("broker called for a cancelled task")
	}
}

func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	store := newMemTaskStore()
	e := newTestExecutor(store, newFakeBroker())

	id := createTask(t, e, testOrderRequest("key-y", "acct-a"))
	e.dispatch(context.Background(), id)

	task, err := e.Cancel(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != models.TaskStatePlaced || task.Cancelled {
		t.Errorf("terminal task mutated by cancel: state=%q cancelled=%v", task.State, task.Cancelled)
	}
}

func TestCancelAtBrokerForwardsPlacedOrder(t *testing.T) {
	store := newMemTaskStore()
	broker := newFakeBroker()
	e := newTestExecutor(store, broker)

	id := createTask(t, e, testOrderRequest("key-z", "acct-a"))
	e.dispatch(context.Background(), id)

	placed, _ := store.GetTask(id)
	if placed.State != models.TaskStatePlaced {
		t.Fatalf("state = %q, want placed", placed.State)
	}

	byBroker, err := e.StatusByBrokerOrderID(placed.BrokerOrderID)
	if err != nil || byBroker == nil || byBroker.TaskID != id {
		t.Fatalf("broker id lookup failed: task=%v err=%v", byBroker, err)
	}

	if _, err := e.CancelAtBroker(context.Background(), placed.BrokerOrderID); err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	cancelled := len(broker.cancelled)
	broker.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("broker cancel calls = %d, want 1", cancelled)
	}

	if _, err := e.CancelAtBroker(context.Background(), "no-such-order"); !IsKind(err, KindContract) {
		t.Errorf("unknown broker order id: err = %v, want contract error", err)
	}
}

func waitForTerminal(t *testing.T, store *memTaskStore, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		if err == nil && models.IsTerminalTaskState(task.State) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", taskID)
}
