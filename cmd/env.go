package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/config"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/resilience"
	"github.com/sells-group/mof-screen/internal/rulegen"
	"github.com/sells-group/mof-screen/internal/store"
	"github.com/sells-group/mof-screen/internal/workflow"
	anthropicpkg "github.com/sells-group/mof-screen/pkg/anthropic"
	"github.com/sells-group/mof-screen/pkg/compute"
	"github.com/sells-group/mof-screen/pkg/convert"
	"github.com/sells-group/mof-screen/pkg/mace"
	"github.com/sells-group/mof-screen/pkg/xtb"
	"github.com/sells-group/mof-screen/pkg/zeopp"
)

// screenEnv holds the backends shared by the serve, worker, controller and
// submit commands.
type screenEnv struct {
	Store     store.Store
	Queue     queue.Broker
	Artifacts artifact.Store
}

// Close releases resources held by the environment.
func (se *screenEnv) Close() {
	if se.Queue != nil {
		_ = se.Queue.Close()
	}
	if se.Store != nil {
		_ = se.Store.Close()
	}
}

// initEnv validates cfg for mode and connects the store, queue and, unless
// skipArtifacts is set, the artifact store. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, skipArtifacts bool) (*screenEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &screenEnv{Store: st}

	env.Queue, err = initQueue(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	if !skipArtifacts {
		env.Artifacts, err = initArtifacts(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
	}

	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "mof-screen.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required for postgres")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initQueue(ctx context.Context) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case "memory":
		zap.L().Warn("using in-memory queue, jobs are lost on exit")
		return queue.NewMemoryBroker(), nil
	case "valkey":
		client, err := queue.NewValkeyClient(ctx, cfg.Queue.Addr, cfg.Queue.Password)
		if err != nil {
			return nil, err
		}
		b := queue.NewValkeyBroker(client, queue.ValkeyConfig{
			Addr:     cfg.Queue.Addr,
			Password: cfg.Queue.Password,
			Stream:   cfg.Queue.Stream,
			Group:    cfg.Queue.Group,
			Consumer: cfg.Worker.ConsumerName,
			GroupTTL: time.Duration(cfg.Queue.GroupTTLHours) * time.Hour,
		})
		if err := b.EnsureGroup(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, eris.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}

func initArtifacts(ctx context.Context) (artifact.Store, error) {
	switch cfg.Artifacts.Driver {
	case "local":
		return artifact.NewLocal(cfg.Artifacts.LocalDir)
	case "minio":
		m, err := artifact.NewMinIO(artifact.MinIOConfig{
			Endpoint:  cfg.Artifacts.MinIO.Endpoint,
			AccessKey: cfg.Artifacts.MinIO.AccessKey,
			SecretKey: cfg.Artifacts.MinIO.SecretKey,
			UseSSL:    cfg.Artifacts.MinIO.UseSSL,
			Bucket:    cfg.Artifacts.MinIO.Bucket,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, eris.Errorf("unsupported artifact driver: %s", cfg.Artifacts.Driver)
	}
}

// initServices builds the compute service clients, each behind its own guard.
func initServices() workflow.Services {
	policy := resilience.PolicyFromConfig(cfg.Retry)
	breaker := resilience.BreakerFromConfig(cfg.Circuit)

	opts := func(name string, sc config.ServiceConfig) []compute.Option {
		o := []compute.Option{compute.WithGuard(resilience.NewGuard(name, breaker, policy))}
		if sc.RateLimit > 0 {
			o = append(o, compute.WithRateLimit(sc.RateLimit))
		}
		return o
	}

	s := cfg.Services
	return workflow.Services{
		Zeopp:     zeopp.NewClient(s.Zeopp.BaseURL, timeout(s.Zeopp.TimeoutSecs), opts("zeopp", s.Zeopp)...),
		Converter: convert.NewClient(s.Converter.BaseURL, timeout(s.Converter.TimeoutSecs), opts("converter", s.Converter)...),
		MACE:      mace.NewClient(s.MACE.BaseURL, timeout(s.MACE.TimeoutSecs), opts("mace", s.MACE)...),
		XTB:       xtb.NewClient(s.XTB.BaseURL, timeout(s.XTB.TimeoutSecs), opts("xtb", s.XTB)...),
	}
}

// initGenerator returns nil when no Anthropic key is configured; batches
// must then carry explicit rules.
func initGenerator() rulegen.Generator {
	if cfg.Anthropic.Key == "" {
		zap.L().Warn("anthropic key not set, rule generation disabled")
		return nil
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return rulegen.NewClaudeGenerator(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
}

// newEngine wires the workflow engine to env and registers it on a worker.
func newEngine(env *screenEnv) (*workflow.Engine, *queue.Worker) {
	engine := workflow.New(env.Store, env.Queue, env.Artifacts, initServices(),
		workflow.WithReconcileOnEvent(cfg.Worker.ReconcileOnEvent),
	)
	w := queue.NewWorker(env.Queue, cfg.Worker.Concurrency,
		queue.WithDrainTimeout(timeout(cfg.Worker.DrainTimeoutSecs)),
	)
	engine.Register(w)
	return engine, w
}

func timeout(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}
