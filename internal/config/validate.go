package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Process modes accepted by Validate.
const (
	ModeAPI        = "api"
	ModeWorker     = "worker"
	ModeController = "controller"
	ModeSubmit     = "submit"
	ModeStatus     = "status"
)

// Validate checks that the settings a process mode depends on are present.
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	storeChecks := func() {
		switch c.Store.Driver {
		case "postgres":
			need(c.Store.DatabaseURL != "", "store.database_url is required for postgres")
		case "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}
	queueChecks := func() {
		switch c.Queue.Driver {
		case "valkey":
			need(c.Queue.Addr != "", "queue.addr is required for valkey")
			need(c.Queue.Stream != "", "queue.stream is required")
			need(c.Queue.Group != "", "queue.group is required")
		case "memory":
		default:
			problems = append(problems, "queue.driver must be valkey or memory")
		}
	}
	artifactChecks := func() {
		switch c.Artifacts.Driver {
		case "local":
			need(c.Artifacts.LocalDir != "", "artifacts.local_dir is required for local")
		case "minio":
			need(c.Artifacts.MinIO.Endpoint != "", "artifacts.minio.endpoint is required for minio")
			need(c.Artifacts.MinIO.Bucket != "", "artifacts.minio.bucket is required for minio")
		default:
			problems = append(problems, "artifacts.driver must be local or minio")
		}
	}

	switch mode {
	case ModeAPI:
		storeChecks()
		queueChecks()
		artifactChecks()
		need(c.Server.Port > 0, "server.port must be > 0")
	case ModeSubmit:
		storeChecks()
		queueChecks()
		artifactChecks()
	case ModeWorker:
		storeChecks()
		queueChecks()
		artifactChecks()
		need(c.Worker.Concurrency >= 1 && c.Worker.Concurrency <= 64, "worker.concurrency must be between 1 and 64")
		need(c.Services.Zeopp.BaseURL != "", "services.zeopp.base_url is required")
		need(c.Services.Converter.BaseURL != "", "services.converter.base_url is required")
		need(c.Services.MACE.BaseURL != "", "services.mace.base_url is required")
		need(c.Services.XTB.BaseURL != "", "services.xtb.base_url is required")
	case ModeController:
		storeChecks()
		queueChecks()
		need(c.Controller.IntervalSecs > 0, "controller.interval_secs must be > 0")
		if c.Monitoring.Enabled {
			need(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
				"monitoring.failure_rate_threshold must be between 0 and 1")
		}
	case ModeStatus:
		storeChecks()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
