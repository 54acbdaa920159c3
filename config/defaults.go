package config

import "time"

// Keys of the compiled-in tunables.
const (
	KeyHandshakeTimeout = "session.handshake_timeout"
	KeyStaleAfter       = "session.stale_after"
	KeySweepInterval    = "session.sweep_interval"

	KeyCallTimeout = "rpc.call_timeout"

	KeyReconnectBase        = "reconnect.base_delay"
	KeyReconnectMax         = "reconnect.max_delay"
	KeyReconnectMaxAttempts = "reconnect.max_attempts"
	KeyReconnectCooldown    = "reconnect.cooldown"

	KeyRateRPCMax      = "ratelimit.rpc.max"
	KeyRateRPCWindow   = "ratelimit.rpc.window"
	KeyRateBatchMax    = "ratelimit.batch.max"
	KeyRateBatchWindow = "ratelimit.batch.window"

	KeyBatchSize       = "batch.size"
	KeyBatchMaxRetries = "batch.max_retries"

	KeySyncInterval = "sync.interval"

	KeyTelemetryFlushSize     = "telemetry.flush_size"
	KeyTelemetryFlushInterval = "telemetry.flush_interval"
	KeyTelemetrySampleSize    = "telemetry.sample_size"
	KeyTelemetryAlertAvgMs    = "telemetry.alert_avg_ceiling_ms"

	KeyShutdownDeadline = "recovery.shutdown_deadline"
	KeyShutdownStep     = "recovery.step_timeout"
)

func durationRange(min, max time.Duration) (bool, float64, float64) {
	return true, float64(min / time.Millisecond), float64(max / time.Millisecond)
}

func duration(def, min, max time.Duration, desc string) Schema {
	s := Schema{Kind: KindDuration, Default: def, Description: desc}
	s.HasRange, s.Min, s.Max = durationRange(min, max)
	return s
}

func integer(def int64, min, max float64, desc string) Schema {
	return Schema{Kind: KindInt, Default: def, Description: desc, HasRange: true, Min: min, Max: max}
}

// Defaults returns the schema of every compiled-in tunable.
func Defaults() map[string]Schema {
	return map[string]Schema{
		KeyHandshakeTimeout: duration(5*time.Second, 10*time.Millisecond, time.Minute, "How long connect waits for a handshake acknowledgment."),
		KeyStaleAfter:       duration(60*time.Second, 100*time.Millisecond, 24*time.Hour, "Idle time after which a session is force-closed."),
		KeySweepInterval:    duration(60*time.Second, 10*time.Millisecond, 24*time.Hour, "Period of the staleness sweep."),

		KeyCallTimeout: duration(10*time.Second, time.Millisecond, 10*time.Minute, "Default timeout of correlated calls."),

		KeyReconnectBase:        duration(250*time.Millisecond, time.Millisecond, time.Minute, "Base reconnect delay."),
		KeyReconnectMax:         duration(30*time.Second, time.Millisecond, time.Hour, "Upper bound of the reconnect delay."),
		KeyReconnectMaxAttempts: integer(5, 1, 1000, "Consecutive failures before cooldown."),
		KeyReconnectCooldown:    duration(time.Minute, 0, 24*time.Hour, "Cooldown after too many failures."),

		KeyRateRPCMax:      integer(100, 0, 1e9, "Calls admitted per window for the rpc category; 0 disables."),
		KeyRateRPCWindow:   duration(time.Second, time.Millisecond, time.Hour, "Window of the rpc category."),
		KeyRateBatchMax:    integer(1000, 0, 1e9, "Items admitted per window for the batch category; 0 disables."),
		KeyRateBatchWindow: duration(time.Second, time.Millisecond, time.Hour, "Window of the batch category."),

		KeyBatchSize:       integer(10, 1, 10000, "Items per batch chunk."),
		KeyBatchMaxRetries: integer(2, 0, 100, "Retries per failed batch item."),

		KeySyncInterval: duration(5*time.Second, 10*time.Millisecond, time.Hour, "Period of state synchronization."),

		KeyTelemetryFlushSize:     integer(100, 1, 1e7, "Records per bucket before a size flush."),
		KeyTelemetryFlushInterval: duration(30*time.Second, 10*time.Millisecond, 24*time.Hour, "Period of the timed flush."),
		KeyTelemetrySampleSize:    integer(20, 0, 10000, "Reservoir size per bucket."),
		KeyTelemetryAlertAvgMs: {
			Kind: KindFloat, Default: float64(1000), HasRange: true, Min: 0, Max: 1e9,
			Description: "Average measurement above which an alert fires; 0 disables.",
		},

		KeyShutdownDeadline: duration(5*time.Second, 10*time.Millisecond, 10*time.Minute, "Hard deadline of orderly shutdown."),
		KeyShutdownStep:     duration(2*time.Second, time.Millisecond, 10*time.Minute, "Time allotted to each shutdown step."),
	}
}
