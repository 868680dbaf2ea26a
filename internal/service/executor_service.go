// Package service contains the service layer for the Tradecore API
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/upstream"
	"github.com/raghurammutya/tradecore/pkg/breaker"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

// TaskStore is the durable task log the executor runs against
type TaskStore interface {
	GetTask(taskID string) (*models.OrderTaskModel, error)
	GetTaskByBrokerOrderID(brokerOrderID string) (*models.OrderTaskModel, error)
	CreateTask(task *models.OrderTaskModel) (*models.OrderTaskModel, bool, error)
	UpdateTask(task *models.OrderTaskModel) error
	GetPendingTasks() ([]models.OrderTaskModel, error)
	ListDeadLetters() ([]models.OrderTaskModel, error)
}

// BrokerGateway places orders for one account. The production gateway
// resolves the account's access token and calls the broker REST API.
type BrokerGateway interface {
	PlaceOrder(ctx context.Context, accountID string, params upstream.OrderParams) (string, error)
	CancelOrder(ctx context.Context, accountID, variety, brokerOrderID string) error
}

// RESTBrokerGateway adapts the broker REST client and the token
// provider into a BrokerGateway
type RESTBrokerGateway struct {
	rest   *upstream.RESTClient
	tokens TokenProvider
}

// NewRESTBrokerGateway creates the production gateway
func NewRESTBrokerGateway(rest *upstream.RESTClient, tokens TokenProvider) *RESTBrokerGateway {
	return &RESTBrokerGateway{rest: rest, tokens: tokens}
}

// PlaceOrder resolves the account token and submits the order
func (g *RESTBrokerGateway) PlaceOrder(ctx context.Context, accountID string, params upstream.OrderParams) (string, error) {
	token := g.tokens.Token(accountID)
	if !token.Valid(time.Now()) {
		return "", E(KindAuth, fmt.Sprintf("no valid token for account %s", accountID))
	}
	return g.rest.PlaceOrder(ctx, token.AccessToken, params)
}

// CancelOrder resolves the account token and cancels at the broker
func (g *RESTBrokerGateway) CancelOrder(ctx context.Context, accountID, variety, brokerOrderID string) error {
	token := g.tokens.Token(accountID)
	if !token.Valid(time.Now()) {
		return E(KindAuth, fmt.Sprintf("no valid token for account %s", accountID))
	}
	return g.rest.CancelOrder(ctx, token.AccessToken, variety, brokerOrderID)
}

// ExecutorConfig bounds retries and the per-account circuit breaker
type ExecutorConfig struct {
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Breaker     breaker.Config
}

// OrderExecutor places orders exactly once per (idempotency key,
// account). Each account gets one FIFO worker; a task retries with
// exponential backoff, fails over through its account chain, and
// dead-letters when everything is exhausted. State changes are durable
// before they are acted on, so a restart resumes cleanly.
type OrderExecutor struct {
	secret  []byte
	store   TaskStore
	broker  BrokerGateway
	metrics *metrics.Registry
	cfg     ExecutorConfig

	mu       sync.Mutex
	queues   map[string]chan string
	breakers map[string]*breaker.Breaker
	cancels  map[string]bool
	runCtx   context.Context
	wg       sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrderExecutor creates the executor
func NewOrderExecutor(secret string, store TaskStore, broker BrokerGateway, cfg ExecutorConfig, m *metrics.Registry) *OrderExecutor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker = breaker.DefaultConfig()
	}
	return &OrderExecutor{
		secret:   []byte(secret),
		store:    store,
		broker:   broker,
		metrics:  m,
		cfg:      cfg,
		queues:   make(map[string]chan string),
		breakers: make(map[string]*breaker.Breaker),
		cancels:  make(map[string]bool),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TaskID derives the stable task id for an idempotency key and account
func (e *OrderExecutor) TaskID(idempotencyKey, accountID string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(idempotencyKey))
	mac.Write([]byte(accountID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Run starts the executor and resumes tasks that were in flight at the
// last shutdown. It blocks until the context is cancelled and all
// account workers have stopped.
func (e *OrderExecutor) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	pending, err := e.store.GetPendingTasks()
	if err != nil {
		zaplogger.Error("pending task resume failed", zaplogger.Fields{"error": err.Error()})
	}
	for i := range pending {
		task := pending[i]
		if !e.enqueue(task.AccountID, task.TaskID) {
			e.rejectTask(&task, "queue_full")
		}
	}
	if len(pending) > 0 {
		zaplogger.Info("resumed in-flight order tasks", zaplogger.Fields{"count": len(pending)})
	}

	<-ctx.Done()
	e.wg.Wait()
	return ctx.Err()
}

// Submit validates and durably records an order request, then hands it
// to the account worker. A repeat submission with the same idempotency
// key and account returns the existing task without side effects.
func (e *OrderExecutor) Submit(ctx context.Context, req models.OrderRequest) (*models.OrderTaskModel, error) {
	if err := validateOrderRequest(req); err != nil {
		e.metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if e.allCircuitsOpen(req) {
		e.metrics.OrdersRejected.WithLabelValues("circuit_open").Inc()
		return nil, E(KindResource, "circuit_open: no account in the chain is accepting orders")
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, Wrap(KindContract, "unencodable order request", err)
	}

	task := &models.OrderTaskModel{
		TaskID:    e.TaskID(req.IdempotencyKey, req.AccountID),
		AccountID: req.AccountID,
		State:     models.TaskStatePending,
		Request:   raw,
	}
	stored, created, err := e.store.CreateTask(task)
	if err != nil {
		return nil, Wrap(KindResource, "task create failed", err)
	}
	if !created {
		return stored, nil
	}

	if !e.enqueue(req.AccountID, stored.TaskID) {
		e.rejectTask(stored, "queue_full")
		return stored, E(KindResource, "order queue full")
	}
	return stored, nil
}

func validateOrderRequest(req models.OrderRequest) error {
	if req.IdempotencyKey == "" {
		return E(KindContract, "idempotency_key is required")
	}
	if req.AccountID == "" {
		return E(KindContract, "account_id is required")
	}
	if req.InstrumentToken == 0 {
		return E(KindContract, "instrument_token is required")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return E(KindContract, fmt.Sprintf("side %q is not BUY or SELL", req.Side))
	}
	if req.Quantity == 0 {
		return E(KindContract, "quantity must be positive")
	}
	return nil
}

// Status returns the task row, nil when the id is unknown
func (e *OrderExecutor) Status(taskID string) (*models.OrderTaskModel, error) {
	task, err := e.store.GetTask(taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return task, err
}

// StatusByBrokerOrderID resolves a broker order id back to its task,
// for reconciling broker postbacks. Returns nil when no task matches.
func (e *OrderExecutor) StatusByBrokerOrderID(brokerOrderID string) (*models.OrderTaskModel, error) {
	task, err := e.store.GetTaskByBrokerOrderID(brokerOrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return task, err
}

// CancelAtBroker forwards a cancel for an already placed order to the
// broker. The task record is not reopened; the broker's order book is
// the source of truth after placement.
func (e *OrderExecutor) CancelAtBroker(ctx context.Context, brokerOrderID string) (*models.OrderTaskModel, error) {
	task, err := e.store.GetTaskByBrokerOrderID(brokerOrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(KindContract, "unknown broker order id")
	}
	if err != nil {
		return nil, Wrap(KindResource, "task read failed", err)
	}
	if task.State != models.TaskStatePlaced {
		return nil, E(KindContract, "order was never placed at the broker")
	}

	var req models.OrderRequest
	if err := json.Unmarshal(task.Request, &req); err != nil {
		return nil, Wrap(KindProtocol, "stored request unreadable", err)
	}
	variety := req.Variety
	if variety == "" {
		variety = "regular"
	}
	if err := e.broker.CancelOrder(ctx, task.AccountID, variety, brokerOrderID); err != nil {
		return nil, err
	}
	zaplogger.Info("order cancelled at broker", zaplogger.Fields{
		"task_id":         task.TaskID,
		"account":         task.AccountID,
		"broker_order_id": brokerOrderID,
	})
	return task, nil
}

// DeadLetters lists tasks parked after exhausting retries and failover
func (e *OrderExecutor) DeadLetters() ([]models.OrderTaskModel, error) {
	return e.store.ListDeadLetters()
}

// Cancel requests cancellation of a live task. A task already being
// dispatched finishes its current broker call first; a terminal task is
// left alone.
func (e *OrderExecutor) Cancel(taskID string) (*models.OrderTaskModel, error) {
	task, err := e.store.GetTask(taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, E(KindContract, "unknown task")
	}
	if err != nil {
		return nil, Wrap(KindResource, "task read failed", err)
	}
	if models.IsTerminalTaskState(task.State) {
		return task, nil
	}
	e.mu.Lock()
	e.cancels[taskID] = true
	e.mu.Unlock()
	return task, nil
}

func (e *OrderExecutor) cancelled(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels[taskID]
}

func (e *OrderExecutor) clearCancel(taskID string) {
	e.mu.Lock()
	delete(e.cancels, taskID)
	e.mu.Unlock()
}

// enqueue hands a task id to the account worker, starting the worker on
// first use. Returns false when the account queue is full.
func (e *OrderExecutor) enqueue(accountID, taskID string) bool {
	e.mu.Lock()
	q, ok := e.queues[accountID]
	if !ok {
		q = make(chan string, e.cfg.QueueSize)
		e.queues[accountID] = q
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		e.wg.Add(1)
		go e.worker(ctx, accountID, q)
	}
	e.mu.Unlock()

	select {
	case q <- taskID:
		return true
	default:
		return false
	}
}

func (e *OrderExecutor) worker(ctx context.Context, accountID string, q <-chan string) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-q:
			e.dispatch(ctx, taskID)
		}
	}
}

// allCircuitsOpen reports whether every account the request could reach
// has an open breaker. Reads State(), which never consumes the
// half-open probe, so dispatch still gets its single probe call.
func (e *OrderExecutor) allCircuitsOpen(req models.OrderRequest) bool {
	for _, accountID := range append([]string{req.AccountID}, req.FailoverAccounts...) {
		if e.breakerFor(accountID).State() != breaker.Open {
			return false
		}
	}
	return true
}

func (e *OrderExecutor) breakerFor(accountID string) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.breakers[accountID]
	if !ok {
		br = breaker.New(e.cfg.Breaker)
		e.breakers[accountID] = br
	}
	return br
}

var breakerStateGauge = map[breaker.State]float64{
	breaker.Closed:   0,
	breaker.HalfOpen: 1,
	breaker.Open:     2,
}

func (e *OrderExecutor) observeBreaker(accountID string, br *breaker.Breaker) {
	e.metrics.CircuitState.WithLabelValues(accountID).Set(breakerStateGauge[br.State()])
}

// dispatch drives one task to a terminal state: retries on the primary
// account, then the failover chain, then the dead letter queue
func (e *OrderExecutor) dispatch(ctx context.Context, taskID string) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		zaplogger.Error("task load failed", zaplogger.Fields{"task_id": taskID, "error": err.Error()})
		return
	}
	if models.IsTerminalTaskState(task.State) {
		return
	}
	defer e.clearCancel(taskID)

	var req models.OrderRequest
	if err := json.Unmarshal(task.Request, &req); err != nil {
		task.State = models.TaskStateFailed
		task.LastError = "corrupt stored request"
		e.persist(task)
		return
	}

	params := upstream.OrderParams{
		InstrumentToken: req.InstrumentToken,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Product:         req.Product,
		Variety:         req.Variety,
		Validity:        req.Validity,
	}
	maxAttempts, base, cap := e.attemptPolicy(req)

	chain := append([]string{req.AccountID}, req.FailoverAccounts...)
	anyCircuitOpen := false

	for _, accountID := range chain {
		br := e.breakerFor(accountID)
		advance := ""
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if e.cancelled(taskID) {
				task.State = models.TaskStateFailed
				task.Cancelled = true
				task.LastError = "cancelled"
				e.persist(task)
				return
			}
			if !br.Allow() {
				anyCircuitOpen = true
				e.observeBreaker(accountID, br)
				advance = "circuit_open"
				break // next account in the chain
			}

			task.State = models.TaskStateDispatching
			task.AccountID = accountID
			task.Attempts++
			e.persist(task)
			e.metrics.OrderAttempts.WithLabelValues(accountID).Inc()

			start := time.Now()
			brokerOrderID, err := e.broker.PlaceOrder(ctx, accountID, params)
			e.metrics.OrderDispatch.Observe(time.Since(start).Seconds())

			if err == nil {
				br.Success()
				e.observeBreaker(accountID, br)
				task.State = models.TaskStatePlaced
				task.BrokerOrderID = brokerOrderID
				task.LastError = ""
				e.persist(task)
				e.metrics.OrdersPlaced.Inc()
				return
			}

			br.Failure()
			e.observeBreaker(accountID, br)
			task.LastError = err.Error()

			if !retriableOrderError(err) {
				// account-scoped rejections (burned token, suspended
				// account) still leave the failover chain viable;
				// request-scoped rejections fail everywhere
				if accountScopedOrderError(err) {
					advance = "account_rejected"
					break
				}
				task.State = models.TaskStateFailed
				e.persist(task)
				e.metrics.OrdersRejected.WithLabelValues("broker_rejected").Inc()
				return
			}

			if attempt < maxAttempts-1 {
				if e.sleep(ctx, dispatchBackoff(attempt, base, cap)) != nil {
					// shutdown mid-retry: leave the task pending for resume
					task.State = models.TaskStatePending
					e.persist(task)
					return
				}
			}
		}
		if advance == "" {
			advance = "attempts_exhausted"
		}
		zaplogger.Warn("moving past account", zaplogger.Fields{
			"task_id": taskID,
			"account": accountID,
			"reason":  advance,
		})
	}

	// a task that never dispatched because every circuit was open is
	// rejected, not dead-lettered; dead letters are for exhausted work
	if anyCircuitOpen && task.Attempts == 0 {
		e.rejectTask(task, "circuit_open")
		return
	}
	task.State = models.TaskStateDeadLettered
	e.persist(task)
	e.metrics.OrdersDeadLettered.Inc()
	zaplogger.Error("order task dead lettered", zaplogger.Fields{
		"task_id":  taskID,
		"attempts": task.Attempts,
	})
}

func (e *OrderExecutor) attemptPolicy(req models.OrderRequest) (int, time.Duration, time.Duration) {
	maxAttempts, base, cap := e.cfg.MaxAttempts, e.cfg.BackoffBase, e.cfg.BackoffCap
	if p := req.AttemptPolicy; p != nil {
		if p.MaxAttempts > 0 {
			maxAttempts = p.MaxAttempts
		}
		if p.BackoffBase > 0 {
			base = p.BackoffBase
		}
		if p.BackoffCap > 0 {
			cap = p.BackoffCap
		}
	}
	return maxAttempts, base, cap
}

func (e *OrderExecutor) persist(task *models.OrderTaskModel) {
	if err := e.store.UpdateTask(task); err != nil {
		zaplogger.Error("task persist failed", zaplogger.Fields{
			"task_id": task.TaskID,
			"state":   task.State,
			"error":   err.Error(),
		})
	}
}

func (e *OrderExecutor) rejectTask(task *models.OrderTaskModel, reason string) {
	task.State = models.TaskStateFailed
	task.LastError = reason
	e.persist(task)
	e.metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// retriableOrderError: transport errors and 5xx/429 responses retry;
// everything else is a terminal broker decision
func retriableOrderError(err error) bool {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retriable()
	}
	if IsKind(err, KindAuth) || IsKind(err, KindContract) {
		return false
	}
	return true
}

// accountScopedOrderError: the failure is about the account, not the
// order, so another account in the chain may still place it
func accountScopedOrderError(err error) bool {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden
	}
	return IsKind(err, KindAuth)
}

// dispatchBackoff doubles from the base per attempt with jitter drawn
// from [0, base), capped
func dispatchBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		d = cap
	}
	return d + time.Duration(rand.Int63n(int64(base)))
}
