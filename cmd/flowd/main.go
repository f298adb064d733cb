package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/catalog/fileloader"
	cinmem "github.com/flowmesh/flowmesh/catalog/inmem"
	"github.com/flowmesh/flowmesh/executor"
	mongocat "github.com/flowmesh/flowmesh/features/catalog/mongo"
	rmapinv "github.com/flowmesh/flowmesh/features/catalog/rmap"
	"github.com/flowmesh/flowmesh/features/storage/bolt"
	redisstore "github.com/flowmesh/flowmesh/features/storage/redis"
	"github.com/flowmesh/flowmesh/metrics"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/nodes/core"
	"github.com/flowmesh/flowmesh/nodes/llm"
	"github.com/flowmesh/flowmesh/router"
	"github.com/flowmesh/flowmesh/storage"
	sinmem "github.com/flowmesh/flowmesh/storage/inmem"
)

const version = "0.1.0"

func main() {
	var (
		configF = flag.String("config", "", "Config file path (YAML)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	v := newConfig(ctx, *configF)

	reg := node.NewRegistry()
	core.Register(reg)
	if v.GetBool("llm.enabled") {
		llm.Register(reg, nil)
	}

	cat, catCleanup, err := buildCatalog(ctx, v)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "catalog setup failed"})
	}
	defer catCleanup()

	stores, storeCleanup, err := buildStores(v)
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "storage setup failed"})
	}
	defer storeCleanup()

	mtr := metrics.New(prometheus.DefaultRegisterer)

	manager, err := executor.NewManager(ctx, executor.Config{
		Catalog:       cat,
		Registry:      reg,
		Env:           environMap(),
		Stores:        stores,
		FlushInterval: v.GetDuration("shard.flush_interval"),
		RouteTTL:      v.GetDuration("shard.route_ttl"),
		AlarmInterval: v.GetDuration("shard.alarm_interval"),
		IdleTimeout:   v.GetDuration("shard.idle_timeout"),
		RateLimit: executor.RateLimit{
			Requests: v.GetInt("rate_limit.requests"),
			Window:   v.GetDuration("rate_limit.window"),
		},
		Metrics: mtr,
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "msg", V: "executor setup failed"})
	}

	rt := router.New(router.Config{
		Manager:   manager,
		Registry:  reg,
		Version:   version,
		BodyLimit: v.GetString("http.body_limit"),
		RateLimit: v.GetFloat64("http.rate_limit"),
		Debug:     *dbgF,
	})

	addr := fmt.Sprintf(":%d", v.GetInt("http.port"))
	srv := &http.Server{
		Addr:         addr,
		Handler:      rt.Handler(ctx),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // flow responses may stream
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "server shutdown failed"})
	}
	if err := manager.Close(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "executor shutdown failed"})
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

// newConfig loads defaults, the optional YAML file, and FLOWD_* environment
// overrides.
func newConfig(ctx context.Context, path string) *viper.Viper {
	v := viper.New()
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.body_limit", "10M")
	v.SetDefault("http.rate_limit", float64(0))
	v.SetDefault("storage.backend", "inmem")
	v.SetDefault("storage.path", "flowmesh.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("catalog.backend", "file")
	v.SetDefault("catalog.dir", "flows")
	v.SetDefault("catalog.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("catalog.mongo_db", "flowmesh")
	v.SetDefault("invalidation.redis_addr", "")
	v.SetDefault("shard.flush_interval", 100*time.Millisecond)
	v.SetDefault("shard.route_ttl", executor.DefaultRouteTTL)
	v.SetDefault("shard.alarm_interval", executor.DefaultAlarmInterval)
	v.SetDefault("shard.idle_timeout", executor.DefaultIdleTimeout)
	v.SetDefault("rate_limit.requests", executor.DefaultRateLimit.Requests)
	v.SetDefault("rate_limit.window", executor.DefaultRateLimit.Window)
	v.SetDefault("llm.enabled", false)

	v.SetEnvPrefix("flowd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Fatal(ctx, err, log.KV{K: "msg", V: "config file unreadable"}, log.KV{K: "path", V: path})
		}
	} else {
		v.SetConfigName("flowd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			log.Info(ctx, log.KV{K: "msg", V: "config loaded"}, log.KV{K: "path", V: v.ConfigFileUsed()})
		}
	}
	return v
}

// buildCatalog selects the flow catalog backend and, when configured, layers
// the replicated-map invalidation bus on top.
func buildCatalog(ctx context.Context, v *viper.Viper) (catalog.Catalog, func(), error) {
	var (
		cat     catalog.Catalog
		cleanup = func() {}
		err     error
	)
	switch backend := v.GetString("catalog.backend"); backend {
	case "file":
		cat, err = fileloader.New(ctx, v.GetString("catalog.dir"))
		if err != nil {
			return nil, nil, err
		}
	case "mongo":
		client, cerr := mongo.Connect(mongooptions.Client().ApplyURI(v.GetString("catalog.mongo_uri")))
		if cerr != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", cerr)
		}
		cat, err = mongocat.New(mongocat.Options{
			Client:   client,
			Database: v.GetString("catalog.mongo_db"),
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = client.Disconnect(context.Background()) }
	case "inmem":
		cat, err = cinmem.New()
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown catalog backend %q", backend)
	}

	if addr := v.GetString("invalidation.redis_addr"); addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		m, jerr := rmap.Join(ctx, "flowmesh-flows", rdb)
		if jerr != nil {
			cleanup()
			return nil, nil, fmt.Errorf("join invalidation map: %w", jerr)
		}
		inv := rmapinv.New(m)
		inner := cleanup
		cleanup = func() {
			inv.Close()
			_ = rdb.Close()
			inner()
		}
		return &invalidatingCatalog{Catalog: cat, Invalidator: inv}, cleanup, nil
	}
	return cat, cleanup, nil
}

// invalidatingCatalog pairs a catalog backend with the invalidation bus so
// the executor observes both surfaces on one value.
type invalidatingCatalog struct {
	catalog.Catalog
	*rmapinv.Invalidator
}

// buildStores selects the per-shard durable storage backend.
func buildStores(v *viper.Viper) (executor.StoreFactory, func(), error) {
	switch backend := v.GetString("storage.backend"); backend {
	case "bolt":
		db, err := bolt.Open(v.GetString("storage.path"))
		if err != nil {
			return nil, nil, err
		}
		factory := func(shardID string) (storage.Store, error) {
			return db.Shard(shardID)
		}
		return factory, func() { _ = db.Close() }, nil

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: v.GetString("storage.redis_addr")})
		factory := func(shardID string) (storage.Store, error) {
			return redisstore.New(rdb, shardID), nil
		}
		return factory, func() { _ = rdb.Close() }, nil

	case "inmem":
		var mu sync.Mutex
		stores := make(map[string]*sinmem.Store)
		factory := func(shardID string) (storage.Store, error) {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[shardID]; ok {
				return s, nil
			}
			s := sinmem.New()
			stores[shardID] = s
			return s, nil
		}
		return factory, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// environMap exposes the process environment to function node bodies.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			env[k] = val
		}
	}
	return env
}
