package executor

import (
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/notify"
)

// NotifyHandler returns the debounced-event consumer that keeps the
// engine's caches coherent with the metadata store.
func (e *Engine) NotifyHandler() notify.Handler {
	return func(ev notify.Event) {
		metrics.Global().RecordNotification(ev.Channel)
		p := ev.Payload

		switch p.Table {
		case "function_environment_variables":
			e.store.InvalidateEnvVars(p.FunctionID)
		case "project_network_policies":
			e.store.InvalidateProjectPolicies(p.ProjectID)
		case "global_network_policies":
			e.store.InvalidateGlobalPolicies()
		case "functions", "function_versions":
			// covers version switches and deletions: the next invocation
			// re-reads metadata and re-materializes the package
			e.store.InvalidateFunction(p.FunctionID)
			e.cache.Invalidate(p.FunctionID)
		default:
			logging.Op().Debug("unhandled invalidation", "table", p.Table)
		}
	}
}

// OnReconnect drops every cache: notifications issued while the listener
// was disconnected are lost.
func (e *Engine) OnReconnect() func() {
	return func() {
		logging.Op().Info("notify listener reconnected, refreshing caches")
		e.store.InvalidateAll()
	}
}
