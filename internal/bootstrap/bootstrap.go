package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/observability/xmetrics"
	"github.com/omeyang/xdelay/pkg/resilience/xbreaker"
	"github.com/omeyang/xdelay/pkg/scheduling/xdelay"
)

// ErrNilHandler 装配消费端时未提供任务处理器
var ErrNilHandler = errors.New("bootstrap: nil handler")

// App 装配完成的调度器及其依赖，使用完毕后调用 Close
type App struct {
	Scheduler  xdelay.Scheduler
	Dispatcher *xdelay.Dispatcher
	// Store 外部策略使用的存储（可能包了熔断），进程内策略为 nil
	Store xdelay.SortedSetStore

	closers []func(context.Context) error
}

// New 按 cfg 装配调度器。外部策略会先连接存储，连接失败直接返回错误。
func New(ctx context.Context, cfg xdelay.Config, h xdelay.Handler, logger xlog.Logger) (app *App, err error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if logger == nil {
		logger = xlog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs, err := xmetrics.NewOTelObserver(xmetrics.WithInstrumentationName("github.com/omeyang/xdelay"))
	if err != nil {
		return nil, err
	}

	app = &App{}
	defer func() {
		if err != nil {
			err = errors.Join(err, app.Close(context.WithoutCancel(ctx)))
			app = nil
		}
	}()

	dopts := append(cfg.DispatcherOptions(),
		xdelay.WithDispatchLogger(logger),
		xdelay.WithDispatchObserver(obs),
	)
	d, err := xdelay.NewDispatcher(h, dopts...)
	if err != nil {
		return app, err
	}
	app.Dispatcher = d
	app.closers = append(app.closers, func(context.Context) error {
		d.Close()
		return nil
	})

	opts := append(cfg.Options(), xdelay.WithLogger(logger), xdelay.WithObserver(obs))
	switch cfg.Strategy {
	case xdelay.StrategyPolling:
		app.Scheduler, err = xdelay.NewPollingRegistry(d, opts...)
		return app, err
	case xdelay.StrategyHeap:
		app.Scheduler = xdelay.NewPriorityWaitQueue(d, opts...)
		return app, nil
	}

	store, err := app.openStore(ctx, cfg)
	if err != nil {
		return app, err
	}
	if cfg.Breaker.Enabled {
		br := xdelay.NewStoreBreaker("xdelay-"+cfg.Strategy,
			xbreaker.WithThreshold(cfg.Breaker.Threshold),
			xbreaker.WithTimeout(cfg.Breaker.Timeout),
		)
		if store, err = xdelay.NewBreakerStore(store, br); err != nil {
			return app, err
		}
	}
	app.Store = store
	app.Scheduler, err = xdelay.NewSortedSetQueue(store, d, opts...)
	return app, err
}

// openStore 创建外部存储客户端并注册关闭函数
func (a *App) openStore(ctx context.Context, cfg xdelay.Config) (xdelay.SortedSetStore, error) {
	switch cfg.Strategy {
	case xdelay.StrategyRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       cfg.Redis.Addrs,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := xdelay.NewRedisStore(client, cfg.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		if err := store.Warmup(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: redis %v: %w", cfg.Redis.Addrs, err)
		}
		return store, nil

	case xdelay.StrategyMongo:
		client, err := mongo.Connect(options.Client().
			ApplyURI(cfg.Mongo.URI).
			SetConnectTimeout(cfg.Mongo.ConnectTimeout))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: mongo connect: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)

		pctx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
		defer cancel()
		if err := client.Ping(pctx, nil); err != nil {
			return nil, fmt.Errorf("bootstrap: mongo ping: %w", err)
		}
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		if err := xdelay.EnsureMongoIndexes(pctx, coll); err != nil {
			return nil, err
		}
		store, err := xdelay.NewMongoStore(coll)
		if err != nil {
			return nil, err
		}
		return store, nil

	case xdelay.StrategyEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			DialTimeout: cfg.Etcd.DialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: etcd connect: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := xdelay.NewEtcdStore(client, cfg.Etcd.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: strategy %q has no store", xdelay.ErrInvalidConfig, cfg.Strategy)
}

// Close 按创建的逆序释放资源，可重复调用
func (a *App) Close(ctx context.Context) error {
	closers := a.closers
	a.closers = nil
	var errs []error
	for _, fn := range slices.Backward(closers) {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
