package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/PabloGalante/callcore/internal/adapters/llm"
	"github.com/PabloGalante/callcore/internal/adapters/search"
	firestorestore "github.com/PabloGalante/callcore/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/callcore/internal/adapters/storage/memory"
	pgstore "github.com/PabloGalante/callcore/internal/adapters/storage/postgres"
	redisstore "github.com/PabloGalante/callcore/internal/adapters/storage/redis"
	"github.com/PabloGalante/callcore/internal/app/conversation"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/app/router"
	"github.com/PabloGalante/callcore/internal/app/session"
	"github.com/PabloGalante/callcore/internal/app/suggestions"
	"github.com/PabloGalante/callcore/internal/app/tools"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// app is the fully wired process. close releases backends in reverse order.
type app struct {
	cfg     *config.Config
	tenants *config.TenantRegistry
	metrics *observability.Metrics

	sessions     *session.Store
	router       *router.Router
	registry     *policy.Registry
	engine       *policy.Engine
	compiler     *policy.Compiler
	conversation *conversation.Service
	suggestions  *suggestions.Service

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// storage is the subset of the wiring the compile command also needs.
type storage struct {
	durable domain.DurableStore
	locker  policy.Locker
	fs      *firestorestore.Store
	redis   *redisstore.Cache
}

func openStorage(ctx context.Context, cfg *config.Config, a *app) (*storage, error) {
	log := observability.LoggerFromContext(ctx)
	st := &storage{}

	switch cfg.StorageBackend {
	case "firestore":
		log.Info("using firestore durable store", "project", cfg.GCPProjectID)
		fs, err := firestorestore.NewStore(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, fmt.Errorf("initializing firestore store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = fs.Close() })
		st.fs = fs
		st.durable = fs
	default:
		log.Info("using in-memory durable store")
		st.durable = memstore.NewDurableStore()
	}

	if cfg.CacheBackend == "redis" {
		log.Info("using redis shared cache", "addr", cfg.RedisAddr)
		rc := redisstore.NewCache(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rc.Ping(ctx); err != nil {
			// The session store degrades past an unreachable cache.
			log.Warn("redis not reachable at startup", "error", err)
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		st.redis = rc
		st.locker = redisstore.NewLocker(rc)
	} else {
		st.locker = policy.NewLocalLocker()
	}
	return st, nil
}

func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	log := observability.LoggerFromContext(ctx)
	a = &app{cfg: cfg, metrics: observability.NewMetrics("callcore")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.tenants, err = config.LoadTenantDir(cfg.TenantsDir)
	if err != nil {
		return nil, fmt.Errorf("loading tenants: %w", err)
	}
	log.Info("tenants loaded", "dir", cfg.TenantsDir, "tenants", a.tenants.IDs())

	st, err := openStorage(ctx, cfg, a)
	if err != nil {
		return nil, err
	}

	var shared domain.SharedCache
	switch cfg.CacheBackend {
	case "redis":
		shared = st.redis
	case "memory":
		shared = memstore.NewCache()
	default:
		log.Info("shared cache disabled, every session write goes to the durable store")
	}

	memory, err := openMemory(ctx, cfg, st, a)
	if err != nil {
		return nil, err
	}

	var suggestionStore domain.SuggestionStore = memstore.NewSuggestionStore()
	if st.fs != nil {
		suggestionStore = st.fs
	}

	generative, embedder, err := openModels(ctx, cfg)
	if err != nil {
		return nil, err
	}

	searcher, err := openSearch(ctx, cfg, st, embedder, a.tenants)
	if err != nil {
		return nil, err
	}

	a.router = router.New(a.tenants,
		router.WithMemory(memory),
		router.WithSearcher(searcher),
		router.WithGenerative(generative),
		router.WithSuggestions(tools.NewKeywordSuggestionTool(suggestionStore)),
		router.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.router.Wait)

	opts := session.DefaultOptions()
	opts.LocalTTL = cfg.SessionLocalTTL
	opts.SharedTTL = cfg.SessionSharedTTL
	a.sessions = session.NewStore(shared, st.durable, a.metrics, opts)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := a.sessions.Close(ctx); err != nil {
			observability.Logger().Warn("session write-behind not drained", "error", err)
		}
	})

	a.registry = policy.NewRegistry(st.durable, a.metrics, policy.WithRefreshInterval(cfg.PolicyRefresh))
	a.engine = policy.NewEngine(a.registry, a.metrics)
	a.compiler = policy.NewCompiler(st.locker, a.registry, a.metrics)
	a.conversation = conversation.NewService(a.tenants, a.sessions, a.router, a.engine, a.metrics)
	a.suggestions = suggestions.NewService(suggestionStore)

	return a, nil
}

func openMemory(ctx context.Context, cfg *config.Config, st *storage, a *app) (domain.MemoryStore, error) {
	switch cfg.MemoryBackend {
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres memory store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		return pg, nil
	case "firestore":
		if st.fs == nil {
			fs, err := firestorestore.NewStore(ctx, cfg.GCPProjectID)
			if err != nil {
				return nil, fmt.Errorf("initializing firestore memory store: %w", err)
			}
			a.closers = append(a.closers, func() { _ = fs.Close() })
			st.fs = fs
		}
		return st.fs, nil
	}
	return memstore.NewMemoryStore(), nil
}

func openModels(ctx context.Context, cfg *config.Config) (domain.GenerativeProvider, domain.Embedder, error) {
	log := observability.LoggerFromContext(ctx)
	if cfg.UseMockLLM {
		log.Info("using mock generative provider and hash embedder")
		return llm.NewMockLLM(), search.NewHashEmbedder(0), nil
	}

	log.Info("using vertex generative provider", "model", cfg.ModelName, "embedding_model", cfg.EmbeddingModel)
	v, err := llm.NewVertexClient(ctx, llm.VertexConfig{
		ProjectID:      cfg.GCPProjectID,
		Location:       cfg.GCPLocation,
		ModelName:      cfg.ModelName,
		EmbeddingModel: cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing vertex client: %w", err)
	}
	return v, v, nil
}

func openSearch(ctx context.Context, cfg *config.Config, st *storage, embedder domain.Embedder, tenants *config.TenantRegistry) (domain.SemanticSearcher, error) {
	if cfg.SearchBackend != "firestore" {
		return search.NewIndex(embedder, tenants), nil
	}
	if st.fs == nil {
		return nil, errors.New("firestore search backend needs CALLCORE_STORAGE_BACKEND=firestore")
	}

	s := firestorestore.NewSearcher(st.fs, embedder)
	for _, id := range tenants.IDs() {
		if err := s.IndexScenarios(ctx, id, tenants.Tenant(id).Scenarios); err != nil {
			return nil, fmt.Errorf("indexing scenarios for %s: %w", id, err)
		}
	}
	return s, nil
}
