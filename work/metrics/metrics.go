package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthSignals counts classified health signals. The "kind" label carries the signal
// name (position_frozen, hard_error, ...) and "profile" the channel profile.
var HealthSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_health_signals_total",
	Help: "Classified health signals",
}, []string{"kind", "profile"})

// FixActions counts corrective actions by action and outcome.
var FixActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_fix_actions_total",
	Help: "Corrective actions executed",
}, []string{"action", "outcome"})

// DroppedTriggers counts triggers that did not start an action. The "reason" label is
// one of cooldown, in_flight, pool or stale.
var DroppedTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_dropped_triggers_total",
	Help: "Anomaly triggers dropped by the recovery gate",
}, []string{"reason"})

// BlacklistSize tracks the number of blacklisted stream endpoints.
var BlacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_player_blacklist_size",
	Help: "Number of blacklisted stream endpoints",
})

// SessionState exposes the current session state as a one-hot gauge keyed by state name.
var SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "kptv_player_session_state",
	Help: "Current playback session state (1 for the active state)",
}, []string{"state"})

// EngineRecreations counts media engine teardown-and-recreate cycles.
var EngineRecreations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kptv_player_engine_recreations_total",
	Help: "Media engine instances torn down and recreated",
})

// ChannelSkips counts automatic channel skips by reason.
var ChannelSkips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kptv_player_channel_skips_total",
	Help: "Automatic channel skips",
}, []string{"reason"})

// CatalogChannels tracks the number of channels in the current catalog.
var CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_player_catalog_channels",
	Help: "Channels in the current catalog",
})

// NetworkUp is 1 while the connectivity probe succeeds.
var NetworkUp = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kptv_player_network_up",
	Help: "Result of the last connectivity probe",
})

// SetSessionState marks state as the only active state label.
func SetSessionState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
