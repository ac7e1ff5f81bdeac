package config

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// billingKeys are the .env settings that require rebuilding the billing
// controller when they change. Everything else is either applied in place
// or ignored until restart.
var billingKeys = []string{
	"BILLBRIDGE_PROVIDER",
	"BILLBRIDGE_PRODUCT_ID",
	"BILLBRIDGE_RETRY_BASE_DELAY",
	"BILLBRIDGE_RETRY_MAX",
	"BILLBRIDGE_TASK_DELAY",
	"BILLBRIDGE_MOCK_SUBSCRIBED",
	"STRIPE_API_KEY",
	"STRIPE_WEBHOOK_SECRET",
	"STRIPE_PRICE_ID",
	"STRIPE_CUSTOMER_ID",
}

// ConfigWatcher monitors the .env file for changes and updates runtime config
type ConfigWatcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
	lastBilling map[string]string
	mu          sync.RWMutex
	onReload    func() // Callback to rebuild the billing controller
}

// NewConfigWatcher creates a new config watcher
func NewConfigWatcher(config *Config) (*ConfigWatcher, error) {
	envPath := filepath.Join(config.DataPath, ".env")
	if config.DataPath == "" {
		envPath = filepath.Join(defaultDataDir, ".env")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		config:      config,
		envPath:     envPath,
		watcher:     watcher,
		stopChan:    make(chan struct{}),
		lastBilling: readBillingKeys(envPath),
	}

	if stat, err := os.Stat(envPath); err == nil {
		cw.lastModTime = stat.ModTime()
	}

	return cw, nil
}

// SetReloadCallback sets the callback to run when billing settings change.
func (cw *ConfigWatcher) SetReloadCallback(callback func()) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onReload = callback
}

// Start begins watching the config file
func (cw *ConfigWatcher) Start() error {
	dir := filepath.Dir(cw.envPath)
	if err := cw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		log.Warn().Msg("Falling back to polling for config changes")
		go cw.pollForChanges()
		return nil
	}

	go cw.watchForChanges()
	log.Info().
		Str("env_path", cw.envPath).
		Msg("Started watching config file for changes")
	return nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	select {
	case <-cw.stopChan:
		// Already stopped
		return
	default:
		close(cw.stopChan)
	}
	cw.watcher.Close()
}

// ReloadConfig manually triggers a config reload (e.g., from SIGHUP)
func (cw *ConfigWatcher) ReloadConfig() {
	cw.reloadConfig()
}

// watchForChanges handles fsnotify events
func (cw *ConfigWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) == ".env" || event.Name == cw.envPath {
				// Debounce - wait a bit for write to complete
				time.Sleep(100 * time.Millisecond)

				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
					cw.reloadConfig()
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopChan:
			return
		}
	}
}

// pollForChanges is a fallback that polls for changes
func (cw *ConfigWatcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(cw.envPath); err == nil {
				if stat.ModTime().After(cw.lastModTime) {
					log.Info().Msg("Detected .env file change via polling")
					cw.lastModTime = stat.ModTime()
					cw.reloadConfig()
				}
			}

		case <-cw.stopChan:
			return
		}
	}
}

// reloadConfig reloads settings from the .env file. The API token applies in
// place; billing settings trigger the reload callback so the controller can
// be rebuilt against the new provider configuration.
func (cw *ConfigWatcher) reloadConfig() {
	cw.mu.Lock()

	envMap, err := godotenv.Read(cw.envPath)
	if err != nil {
		// File might not exist, which is fine (no auth)
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			cw.mu.Unlock()
			return
		}
		envMap = make(map[string]string)
	}

	var changes []string

	oldAPIToken := cw.config.APIToken
	newToken := strings.Trim(envMap["API_TOKEN"], "'\"")
	if newToken != oldAPIToken {
		cw.config.APIToken = newToken
		if newToken == "" {
			changes = append(changes, "API token removed")
		} else if oldAPIToken == "" {
			changes = append(changes, "API token added")
		} else {
			changes = append(changes, "API token updated")
		}
	}

	newOrigins := strings.Trim(envMap["ALLOWED_ORIGINS"], "'\"")
	if newOrigins != cw.config.AllowedOrigins {
		cw.config.AllowedOrigins = newOrigins
		changes = append(changes, "allowed origins updated")
	}

	newBilling := billingKeysFrom(envMap)
	billingChanged := !maps.Equal(cw.lastBilling, newBilling)
	if billingChanged {
		cw.lastBilling = newBilling
		cw.applyBillingSettings(newBilling)
		changes = append(changes, "billing settings updated")
	}

	callback := cw.onReload
	cw.mu.Unlock()

	if len(changes) > 0 {
		log.Info().
			Strs("changes", changes).
			Bool("has_token", newToken != "").
			Msg("Applied .env file changes to runtime config")
	} else {
		log.Debug().Msg("No relevant changes detected in .env file")
	}

	if billingChanged && callback != nil {
		log.Info().Msg("Triggering billing controller rebuild due to .env change")
		go callback()
	}
}

// applyBillingSettings copies parsed billing values onto the shared config so
// the rebuild callback sees them. Keys absent from the .env file keep their
// current values until a full restart. Caller holds cw.mu.
func (cw *ConfigWatcher) applyBillingSettings(vals map[string]string) {
	setString := func(key string, target *string) {
		if v, ok := vals[key]; ok {
			*target = v
		}
	}
	setInt64 := func(key string, target *int64) {
		if v, ok := vals[key]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer in .env file")
				return
			}
			*target = n
		}
	}
	setBool := func(key string, target *bool) {
		if v, ok := vals[key]; ok {
			*target = v == "true" || v == "1"
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v, ok := vals[key]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration in .env file")
				return
			}
			*target = d
		}
	}

	setString("BILLBRIDGE_PROVIDER", &cw.config.BillingProvider)
	setString("BILLBRIDGE_PRODUCT_ID", &cw.config.ProductID)
	setDuration("BILLBRIDGE_RETRY_BASE_DELAY", &cw.config.RetryBaseDelay)
	setInt64("BILLBRIDGE_RETRY_MAX", &cw.config.RetryMax)
	setDuration("BILLBRIDGE_TASK_DELAY", &cw.config.DeferredTaskDelay)
	setBool("BILLBRIDGE_MOCK_SUBSCRIBED", &cw.config.MockSubscribed)
	setString("STRIPE_API_KEY", &cw.config.StripeAPIKey)
	setString("STRIPE_WEBHOOK_SECRET", &cw.config.StripeWebhookSecret)
	setString("STRIPE_PRICE_ID", &cw.config.StripePriceID)
	setString("STRIPE_CUSTOMER_ID", &cw.config.StripeCustomerID)
}

func readBillingKeys(envPath string) map[string]string {
	envMap, err := godotenv.Read(envPath)
	if err != nil {
		envMap = make(map[string]string)
	}
	return billingKeysFrom(envMap)
}

func billingKeysFrom(envMap map[string]string) map[string]string {
	out := make(map[string]string, len(billingKeys))
	for _, key := range billingKeys {
		if v, ok := envMap[key]; ok {
			out[key] = strings.Trim(v, "'\"")
		}
	}
	return out
}
