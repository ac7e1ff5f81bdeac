package billing

import "time"

// Metric recorders wired in by cmd at startup. Nil hooks are skipped so the
// package works without instrumentation in tests and library use.
var (
	readyMetricHook      func(ready bool)
	subscribedMetricHook func(subscribed bool)
	connectMetricHook    func(code ResultCode)
	reconnectMetricHook  func(attempt int64, delay time.Duration)
	exhaustedMetricHook  func()
	purchasesMetricHook  func(code ResultCode)
	flowMetricHook       func(code ResultCode)
)

// SetMetricHooks wires metric recorders into the controller lifecycle. Call
// once at startup before any controller is created. Hooks run on controller
// goroutines and must not block.
func SetMetricHooks(
	onReady func(bool),
	onSubscribed func(bool),
	onConnect func(ResultCode),
	onReconnect func(int64, time.Duration),
	onExhausted func(),
	onPurchases func(ResultCode),
	onFlow func(ResultCode),
) {
	readyMetricHook = onReady
	subscribedMetricHook = onSubscribed
	connectMetricHook = onConnect
	reconnectMetricHook = onReconnect
	exhaustedMetricHook = onExhausted
	purchasesMetricHook = onPurchases
	flowMetricHook = onFlow
}
