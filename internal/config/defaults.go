package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host":       "0.0.0.0",
		"server.port":       8080,
		"server.upload_dir": "uploads",

		"database.max_connections": 25,

		"balancer.strategy":                     "round_robin",
		"balancer.unhealthy_threshold":          3,
		"balancer.probe_interval":               "10s",
		"balancer.probe_timeout":                "3s",
		"balancer.ema_smoothing":                0.3,
		"balancer.max_connections_per_instance": 10,

		"scheduler.tick_interval":      "1s",
		"scheduler.worker_concurrency": 4,
		"scheduler.max_job_attempts":   3,
		"scheduler.backlog_limit":      100,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
	return nil
}
