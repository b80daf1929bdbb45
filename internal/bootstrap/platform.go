// Package bootstrap assembles the platform from environment
// configuration: stores, queue, verification, ledger, mirror, and the
// session registry.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/capitabee/donezo-sub000/internal/artifacts"
	"github.com/capitabee/donezo-sub000/internal/ledger"
	"github.com/capitabee/donezo-sub000/internal/lifecycle"
	"github.com/capitabee/donezo-sub000/internal/mirror"
	"github.com/capitabee/donezo-sub000/internal/sessions"
	"github.com/capitabee/donezo-sub000/internal/shift"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/internal/tasksource"
	"github.com/capitabee/donezo-sub000/internal/tiers"
	"github.com/capitabee/donezo-sub000/internal/verify"
)

type Platform struct {
	Store     state.Store
	Queue     state.Queue
	Tiers     tiers.Config
	Mirror    mirror.Mirror
	Ledger    ledger.Ledger
	Gateway   verify.Gateway
	Source    tasksource.Source
	Artifacts artifacts.Store
	Sessions  *sessions.Registry
}

func NewPlatformFromEnv() (*Platform, error) {
	store, err := newStore(getenv("DONEZO_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	queue, err := newQueue(getenv("DONEZO_QUEUE", "memory"))
	if err != nil {
		return nil, err
	}
	cfg := tiers.LoadFromEnv()

	mir, err := newMirror(getenv("DONEZO_MIRROR_PATH", "donezo-mirror.db"))
	if err != nil {
		return nil, err
	}

	var gateway verify.Gateway
	if endpoint := os.Getenv("DONEZO_VERIFY_ENDPOINT"); endpoint != "" {
		gateway = verify.NewHTTPGateway(endpoint, os.Getenv("DONEZO_VERIFY_TOKEN"))
	} else {
		gateway = verify.NewEvaluator(cfg, store)
	}

	var led ledger.Ledger
	if endpoint := os.Getenv("DONEZO_LEDGER_ENDPOINT"); endpoint != "" {
		led = ledger.NewRemoteLedger(endpoint, os.Getenv("DONEZO_LEDGER_TOKEN"))
	} else {
		led = ledger.NewStoreLedger(store)
	}

	source := newSource(store)
	arts, err := newArtifacts()
	if err != nil {
		return nil, err
	}

	p := &Platform{
		Store:     store,
		Queue:     queue,
		Tiers:     cfg,
		Mirror:    mir,
		Ledger:    led,
		Gateway:   gateway,
		Source:    source,
		Artifacts: arts,
	}
	p.Sessions = sessions.NewRegistry(p.engineFactory)
	return p, nil
}

func (p *Platform) engineFactory(ctx context.Context, userID, tier string) (*lifecycle.Engine, error) {
	engine := lifecycle.New(lifecycle.Config{
		UserID: userID,
		Tier:   tier,
		Tiers:  p.Tiers,
		Resolver: &shift.Resolver{
			DayStartHour: p.Tiers.Window.DayStartHour,
			DayEndHour:   p.Tiers.Window.DayEndHour,
		},
		Source:  p.Source,
		Store:   p.Store,
		Queue:   p.Queue,
		Gateway: p.Gateway,
		Ledger:  p.Ledger,
		Mirror:  p.Mirror,
	})
	if err := engine.Load(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

func (p *Platform) Close() {
	if p.Sessions != nil {
		p.Sessions.CloseAll()
	}
	if p.Mirror != nil {
		if err := p.Mirror.Close(); err != nil {
			log.Printf("bootstrap: close mirror err=%v", err)
		}
	}
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("DONEZO_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("DONEZO_POSTGRES_DSN is required when DONEZO_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported DONEZO_STORE value %q", kind)
	}
}

func newQueue(kind string) (state.Queue, error) {
	switch kind {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Addr:          getenv("DONEZO_REDIS_ADDR", "127.0.0.1:6379"),
			Password:      os.Getenv("DONEZO_REDIS_PASSWORD"),
			DB:            getenvInt("DONEZO_REDIS_DB", 0),
			Key:           getenv("DONEZO_REDIS_KEY", "donezo:credits"),
			Timeout:       3 * time.Second,
			DeadLetterMax: getenvInt("DONEZO_REDIS_DEADLETTER_MAX", 5),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported DONEZO_QUEUE value %q", kind)
	}
}

func newMirror(path string) (mirror.Mirror, error) {
	if path == "" || path == "off" {
		return mirror.Noop{}, nil
	}
	return mirror.Open(path)
}

// newSource builds the catalog chain: remote endpoint when configured,
// then the operator-managed store, then the built-in static catalog.
func newSource(store state.Store) tasksource.Source {
	chain := make([]tasksource.Source, 0, 3)
	if endpoint := os.Getenv("DONEZO_TASKS_ENDPOINT"); endpoint != "" {
		chain = append(chain, tasksource.NewHTTPSource(endpoint, os.Getenv("DONEZO_TASKS_TOKEN")))
	}
	chain = append(chain, tasksource.NewStoreSource(store), tasksource.NewStatic())
	return tasksource.NewFallback(chain...)
}

func newArtifacts() (artifacts.Store, error) {
	switch getenv("DONEZO_ARTIFACTS", "local") {
	case "off":
		return nil, nil
	case "local":
		return artifacts.NewLocalStore(getenv("DONEZO_ARTIFACTS_DIR", "donezo-artifacts"))
	case "minio":
		endpoint := os.Getenv("DONEZO_MINIO_ENDPOINT")
		if endpoint == "" {
			return nil, fmt.Errorf("DONEZO_MINIO_ENDPOINT is required when DONEZO_ARTIFACTS=minio")
		}
		return artifacts.NewMinIOStore(
			endpoint,
			os.Getenv("DONEZO_MINIO_ACCESS_KEY"),
			os.Getenv("DONEZO_MINIO_SECRET_KEY"),
			getenv("DONEZO_MINIO_BUCKET", "donezo-evidence"),
			getenvBool("DONEZO_MINIO_SSL", false),
		)
	default:
		return nil, fmt.Errorf("unsupported DONEZO_ARTIFACTS value %q", os.Getenv("DONEZO_ARTIFACTS"))
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
