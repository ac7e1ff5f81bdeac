package billing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds a fresh controller from current configuration. Called once
// at startup and again on every reload.
type Factory func() (*Controller, error)

// ReloadableController wraps a Controller so an external trigger (SIGHUP,
// config change, REST) can re-initialize billing from scratch. Controllers
// are single-use, so re-initialization means re-creation; it is also the
// recovery path once a controller's retry budget is spent.
type ReloadableController struct {
	mu         sync.RWMutex
	controller *Controller
	factory    Factory
	onSwap     func(*Controller)
	reloadChan chan struct{}
	logger     zerolog.Logger
}

// NewReloadableController builds the initial controller via factory. onSwap
// runs for every controller before it is initialized, giving the caller a
// place to re-wire observable subscriptions; it may be nil.
func NewReloadableController(factory Factory, onSwap func(*Controller), logger zerolog.Logger) (*ReloadableController, error) {
	controller, err := factory()
	if err != nil {
		return nil, err
	}

	return &ReloadableController{
		controller: controller,
		factory:    factory,
		onSwap:     onSwap,
		reloadChan: make(chan struct{}, 1),
		logger:     logger.With().Str("component", "billing").Logger(),
	}, nil
}

// Start initializes the current controller and begins watching for reload
// requests until ctx is canceled.
func (rc *ReloadableController) Start(ctx context.Context) {
	rc.mu.RLock()
	controller := rc.controller
	rc.mu.RUnlock()

	if rc.onSwap != nil {
		rc.onSwap(controller)
	}
	controller.Initialize()

	go rc.watchReload(ctx)
}

// Reload requests a controller re-creation. Requests coalesce while one is
// pending.
func (rc *ReloadableController) Reload() error {
	select {
	case rc.reloadChan <- struct{}{}:
	default:
		// reload already pending
	}
	return nil
}

func (rc *ReloadableController) watchReload(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.reloadChan:
			rc.logger.Info().Msg("Reinitializing billing controller")
			if err := rc.doReload(); err != nil {
				rc.logger.Error().Err(err).Msg("Failed to reinitialize billing controller")
			} else {
				rc.logger.Info().Msg("Billing controller reinitialized")
			}
		}
	}
}

func (rc *ReloadableController) doReload() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	// Build the replacement first so a bad configuration keeps the current
	// controller running.
	next, err := rc.factory()
	if err != nil {
		return err
	}

	rc.controller.Shutdown()
	rc.controller = next

	if rc.onSwap != nil {
		rc.onSwap(next)
	}
	next.Initialize()
	return nil
}

// Get returns the live controller.
func (rc *ReloadableController) Get() *Controller {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.controller
}

// Stop shuts down the live controller.
func (rc *ReloadableController) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.controller.Shutdown()
}
