package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/billbridge/billbridge/internal/observe"
)

// Options configures a Controller. ProductID is the only required field.
type Options struct {
	// ProductID is the product whose ownership grants the subscription
	// entitlement.
	ProductID string
	// Kind defaults to KindSubscription.
	Kind ProductKind
	// Retry tunes reconnect backoff and the deferred-run delay.
	Retry RetryConfig
	// CallTimeout bounds individual service calls, default 30s.
	CallTimeout time.Duration
	// Recorder receives audit events, NopRecorder when nil.
	Recorder EventRecorder
}

// Snapshot is a point-in-time view of controller state.
type Snapshot struct {
	State        ConnectionState `json:"connectionState"`
	Ready        bool            `json:"ready"`
	Subscribed   bool            `json:"subscribed"`
	ProductID    string          `json:"productId"`
	RetryAttempt int64           `json:"retryAttempt"`
	Product      *ProductInfo    `json:"product,omitempty"`
	LastChange   time.Time       `json:"lastChange"`
}

// eventKind discriminates loop events.
type eventKind int

const (
	evSetupFinished eventKind = iota
	evDisconnected
	evPurchases
	evExec
)

type event struct {
	kind      eventKind
	code      ResultCode
	purchases []PurchaseRecord
	fn        func()
}

// Controller owns the connection lifecycle to a billing Service and derives
// the subscription entitlement from the purchases the service reports.
//
// Service callbacks arrive on arbitrary goroutines and are converted into
// events drained by a single loop goroutine; all state transitions and
// observable emissions happen there, so subscribers never see interleaved
// updates. Reconnects are spaced by the RetryScheduler and re-enter the loop
// the same way.
type Controller struct {
	svc    Service
	retry  *RetryScheduler
	opts   Options
	logger zerolog.Logger

	ready      *observe.Value[bool]
	subscribed *observe.Value[bool]
	product    *observe.Value[ProductInfo]

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once

	stateMu    sync.RWMutex
	state      ConnectionState
	lastChange time.Time
}

// NewController wires a controller to svc. Call Initialize to start it; a
// controller is single-use and a fresh one is needed after Shutdown or once
// the retry budget is spent.
func NewController(svc Service, opts Options, logger zerolog.Logger) *Controller {
	if opts.Kind == "" {
		opts.Kind = KindSubscription
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	c := &Controller{
		svc:        svc,
		opts:       opts,
		logger:     logger.With().Str("component", "billing").Logger(),
		ready:      observe.NewValue(false),
		subscribed: observe.NewValue(false),
		product:    observe.NewValue(ProductInfo{}),
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		state:      StateDisconnected,
		lastChange: time.Now(),
	}
	c.retry = NewRetryScheduler(opts.Retry, c.post, c.logger)
	return c
}

// Initialize starts the event loop and begins connecting.
func (c *Controller) Initialize() {
	c.ready.Set(false)
	c.subscribed.Set(false)

	c.wg.Add(1)
	go c.loop()
	c.post(c.connect)
}

// Shutdown releases the service connection and stops the event loop. Safe to
// call whether or not a connection was ever established.
func (c *Controller) Shutdown() {
	c.stop.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.svc.EndConnection()
		c.setState(StateDisconnected)
		c.ready.Set(false)
		c.logger.Info().Msg("Billing controller stopped")
	})
}

// Ready exposes the connection readiness observable.
func (c *Controller) Ready() *observe.Value[bool] { return c.ready }

// Subscribed exposes the entitlement observable.
func (c *Controller) Subscribed() *observe.Value[bool] { return c.subscribed }

// Product exposes the cached product details observable.
func (c *Controller) Product() *observe.Value[ProductInfo] { return c.product }

// Service returns the underlying billing service, letting callers probe
// optional capabilities such as WebhookHandler.
func (c *Controller) Service() Service { return c.svc }

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Snapshot returns a point-in-time view for the API and WebSocket consumers.
func (c *Controller) Snapshot() Snapshot {
	c.stateMu.RLock()
	state := c.state
	changed := c.lastChange
	c.stateMu.RUnlock()

	snap := Snapshot{
		State:        state,
		Ready:        c.ready.Get(),
		Subscribed:   c.subscribed.Get(),
		ProductID:    c.opts.ProductID,
		RetryAttempt: c.retry.Attempt(),
		LastChange:   changed,
	}
	if p := c.product.Get(); p != (ProductInfo{}) {
		snap.Product = &p
	}
	return snap
}

// Refresh re-queries owned purchases, connecting first when the service is
// not ready.
func (c *Controller) Refresh() {
	c.post(func() {
		c.runDeferred(c.refreshPurchases)
	})
}

// LaunchPurchaseFlow forwards to the service even when the connection is not
// ready; the service reports failure through its result code.
func (c *Controller) LaunchPurchaseFlow(ctx context.Context, params PurchaseParams) (CheckoutSession, ResultCode) {
	if params.ProductID == "" {
		params.ProductID = c.opts.ProductID
	}
	if !c.ready.Get() {
		c.logger.Warn().Str("productId", params.ProductID).Msg("Launching purchase flow while billing service is not ready")
	}

	session, code := c.svc.LaunchPurchaseFlow(ctx, params)
	if flowMetricHook != nil {
		flowMetricHook(code)
	}
	c.opts.Recorder.RecordEvent(EventPurchaseFlow, fmt.Sprintf("%s: %s", params.ProductID, code))
	if !code.OK() {
		c.logger.Warn().Str("result", string(code)).Str("productId", params.ProductID).Msg("Purchase flow launch failed")
	}
	return session, code
}

// OnServiceSetupFinished implements ConnectionListener.
func (c *Controller) OnServiceSetupFinished(code ResultCode) {
	c.send(event{kind: evSetupFinished, code: code})
}

// OnServiceDisconnected implements ConnectionListener.
func (c *Controller) OnServiceDisconnected() {
	c.send(event{kind: evDisconnected})
}

// OnPurchasesUpdated implements ConnectionListener.
func (c *Controller) OnPurchasesUpdated(code ResultCode, purchases []PurchaseRecord) {
	c.send(event{kind: evPurchases, code: code, purchases: purchases})
}

// send queues an event for the loop, dropping it after shutdown.
func (c *Controller) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// post delivers fn onto the event loop. It is the exec function handed to
// the RetryScheduler, so timer completions run serialized too.
func (c *Controller) post(fn func()) {
	c.send(event{kind: evExec, fn: fn})
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evSetupFinished:
		c.handleSetupFinished(ev.code)
	case evDisconnected:
		c.handleDisconnected()
	case evPurchases:
		c.handlePurchasesUpdated(ev.code, ev.purchases)
	case evExec:
		ev.fn()
	}
}

// connect runs on the loop goroutine.
func (c *Controller) connect() {
	c.setState(StateConnecting)
	c.logger.Info().Int64("attempt", c.retry.Attempt()).Msg("Connecting to billing service")
	c.svc.StartConnection(c)
}

func (c *Controller) handleSetupFinished(code ResultCode) {
	if connectMetricHook != nil {
		connectMetricHook(code)
	}

	if !code.OK() {
		c.logger.Warn().Str("result", string(code)).Msg("Billing service setup failed")
		c.setState(StateDisconnected)
		c.ready.Set(false)
		if readyMetricHook != nil {
			readyMetricHook(false)
		}
		c.scheduleReconnect()
		return
	}

	c.logger.Info().Msg("Billing service connection ready")
	c.setState(StateReady)
	c.retry.Reset()
	c.ready.Set(true)
	if readyMetricHook != nil {
		readyMetricHook(true)
	}
	c.opts.Recorder.RecordEvent(EventConnectionReady, "")

	if probe := c.svc.IsFeatureSupported(FeatureSubscriptions); !probe.OK() {
		c.logger.Warn().Str("result", string(probe)).Msg("Subscriptions feature not supported by billing service")
	}

	c.runDeferred(c.refreshPurchases)
	c.queryProductDetails()
	c.queryPurchaseHistory()
}

func (c *Controller) handleDisconnected() {
	c.logger.Warn().Msg("Billing service connection lost")
	c.setState(StateDisconnected)
	c.ready.Set(false)
	if readyMetricHook != nil {
		readyMetricHook(false)
	}
	c.opts.Recorder.RecordEvent(EventConnectionLost, "")
	c.scheduleReconnect()
}

func (c *Controller) handlePurchasesUpdated(code ResultCode, purchases []PurchaseRecord) {
	if purchasesMetricHook != nil {
		purchasesMetricHook(code)
	}

	switch {
	case code.OK():
		c.opts.Recorder.RecordEvent(EventPurchasesUpdated, fmt.Sprintf("%d purchases", len(purchases)))
		c.evaluateEntitlement(purchases)
	case code.ConfigurationError():
		c.logger.Error().Str("result", string(code)).Msg("Purchase update rejected, check billing configuration")
	default:
		c.logger.Debug().Str("result", string(code)).Msg("Ignoring purchase update")
	}
}

// evaluateEntitlement grants the entitlement when any purchase matches the
// tracked product. A non-matching list leaves the flag alone: entitlement
// only drops when the controller is recreated.
func (c *Controller) evaluateEntitlement(purchases []PurchaseRecord) {
	for _, p := range purchases {
		if p.ProductID != c.opts.ProductID {
			continue
		}
		if c.subscribed.Set(true) {
			c.logger.Info().Str("productId", p.ProductID).Str("purchaseId", p.PurchaseID).Msg("Subscription entitlement granted")
			c.opts.Recorder.RecordEvent(EventEntitlementGranted, p.ProductID)
			if subscribedMetricHook != nil {
				subscribedMetricHook(true)
			}
		}
		return
	}
}

func (c *Controller) scheduleReconnect() {
	attempt := c.retry.Attempt()
	if c.retry.ScheduleReconnect(c.connect) {
		c.opts.Recorder.RecordEvent(EventReconnectScheduled, fmt.Sprintf("attempt %d", attempt))
		return
	}
	c.opts.Recorder.RecordEvent(EventRetriesExhausted, fmt.Sprintf("after attempt %d", attempt))
}

// runDeferred routes task through the deferred-run policy. Loop context
// only: the connect side runs inline.
func (c *Controller) runDeferred(task func()) {
	c.retry.RunDeferred(c.ready.Get(), c.connect, task)
}

func (c *Controller) refreshPurchases() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()

	purchases, code := c.svc.QueryOwnedPurchases(ctx, c.opts.Kind)
	c.handlePurchasesUpdated(code, purchases)
}

func (c *Controller) queryProductDetails() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	c.svc.QueryProductDetails(ctx, []string{c.opts.ProductID}, c.opts.Kind, func(code ResultCode, products []ProductInfo) {
		cancel()
		c.post(func() { c.handleProductDetails(code, products) })
	})
}

func (c *Controller) handleProductDetails(code ResultCode, products []ProductInfo) {
	if !code.OK() {
		if code.ConfigurationError() {
			c.logger.Error().Str("result", string(code)).Str("productId", c.opts.ProductID).Msg("Product details query rejected, check billing configuration")
		} else {
			c.logger.Debug().Str("result", string(code)).Msg("Product details query failed")
		}
		return
	}

	for _, p := range products {
		if p.ProductID != c.opts.ProductID {
			continue
		}
		if c.product.Set(p) {
			c.logger.Debug().Str("productId", p.ProductID).Str("price", p.Price).Msg("Product details updated")
			c.opts.Recorder.RecordEvent(EventProductUpdated, fmt.Sprintf("%s %s", p.Price, p.Currency))
		}
		return
	}
	c.logger.Warn().Str("productId", c.opts.ProductID).Msg("Tracked product missing from product details response")
}

func (c *Controller) queryPurchaseHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	c.svc.QueryPurchaseHistory(ctx, c.opts.Kind, func(code ResultCode, records []PurchaseRecord) {
		cancel()
		c.post(func() {
			if !code.OK() {
				c.logger.Debug().Str("result", string(code)).Msg("Purchase history query failed")
				return
			}
			c.logger.Debug().Int("records", len(records)).Msg("Purchase history refreshed")
		})
	})
}

func (c *Controller) setState(next ConnectionState) {
	c.stateMu.Lock()
	if c.state != next {
		c.state = next
		c.lastChange = time.Now()
	}
	c.stateMu.Unlock()
}
