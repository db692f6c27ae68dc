package queue

import (
	"time"

	"github.com/nomoos/prismq-queue/internal/common"
)

// RetryConfigFromCommon translates the TOML-decodable common.RetryConfig
// into this package's RetryConfig.
func RetryConfigFromCommon(c common.RetryConfig) RetryConfig {
	rc := RetryConfig{
		InitialDelaySeconds: c.InitialDelaySeconds,
		MaxDelaySeconds:     c.MaxDelaySeconds,
		Multiplier:          c.Multiplier,
		JitterFactor:        c.JitterFactor,
	}
	if rc.InitialDelaySeconds <= 0 {
		rc.InitialDelaySeconds = DefaultRetryConfig().InitialDelaySeconds
	}
	if rc.MaxDelaySeconds <= 0 {
		rc.MaxDelaySeconds = DefaultRetryConfig().MaxDelaySeconds
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = DefaultRetryConfig().Multiplier
	}
	return rc
}

// EngineConfigFromCommon translates common.WorkerConfig into EngineConfig.
func EngineConfigFromCommon(c common.WorkerConfig) EngineConfig {
	return EngineConfig{
		WorkerID:            c.WorkerID,
		TaskTypes:           c.TaskTypes,
		MaxConcurrentTasks:  c.MaxConcurrentTasks,
		PollInterval:        secondsToDuration(c.PollIntervalSeconds),
		LeaseDuration:       secondsToDuration(c.LeaseDurationSeconds),
		HeartbeatInterval:   secondsToDuration(c.HeartbeatIntervalSeconds),
		MaxConsecutiveFails: c.MaxConsecutiveFails,
	}
}

// MonitorConfigFromCommon translates common.QueueConfig into MonitorConfig.
func MonitorConfigFromCommon(c common.QueueConfig) MonitorConfig {
	return MonitorConfig{
		Interval:       time.Duration(c.MonitorIntervalSeconds) * time.Second,
		StaleThreshold: time.Duration(c.StaleThresholdSeconds) * time.Second,
	}
}

// StrategyFromCommon maps the worker's configured scheduling_strategy
// string onto this package's Strategy type, defaulting to FIFO for an
// empty or unrecognized value. The worker binary rejects unrecognized
// non-empty values earlier, in common.Config.ValidateRequired.
func StrategyFromCommon(s string) Strategy {
	switch Strategy(s) {
	case StrategyFIFO, StrategyLIFO, StrategyPriority, StrategyWeightedRandom:
		return Strategy(s)
	default:
		return StrategyFIFO
	}
}
