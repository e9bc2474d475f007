package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/backend/devmgmt"
	"meshgate.org/internal/backend/httpc"
	"meshgate.org/internal/backend/identity"
	"meshgate.org/internal/backend/tsdb"
	"meshgate.org/internal/config"
	"meshgate.org/internal/httpapi"
	"meshgate.org/internal/mapping"
	"meshgate.org/internal/provision"
	"meshgate.org/internal/proxy"
	"meshgate.org/internal/route"
	"meshgate.org/internal/store/pg"
	"meshgate.org/internal/store/redisstore"
)

// gateway holds every component built from configuration. close releases
// the store connections.
type gateway struct {
	api   *httpapi.API
	ready httpapi.ReadinessCheck
	redis *redisstore.Store
	pg    *pg.Store
}

func (g *gateway) close() error {
	var err error
	if g.pg != nil {
		err = multierr.Append(err, g.pg.Close())
	}
	if g.redis != nil {
		err = multierr.Append(err, g.redis.Close())
	}
	return err
}

func openVerifier(cfg config.Config, deny auth.DenyList, logger *zap.Logger) (*auth.Verifier, error) {
	access, err := auth.ParseKey(cfg.TokenAlgorithm, cfg.AccessTokenKey)
	if err != nil {
		return nil, fmt.Errorf("access_token_key: %w", err)
	}
	refresh, err := auth.ParseKey(cfg.RefreshTokenAlgorithm, cfg.RefreshTokenKey)
	if err != nil {
		return nil, fmt.Errorf("refresh_token_key: %w", err)
	}
	return auth.NewVerifier(access, refresh, deny,
		auth.WithStoreTimeout(cfg.StoreTimeout),
		auth.WithLogger(logger),
	)
}

func buildGateway(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *gateway, err error) {
	g := &gateway{}
	defer func() {
		if err != nil {
			_ = g.close()
		}
	}()

	g.redis, err = redisstore.Open(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	g.ready = httpapi.ReadinessCheck{
		Checks:  map[string]func(context.Context) error{"redis": g.redis.Ping},
		Timeout: cfg.StoreTimeout,
	}

	var mappings mapping.Store = g.redis.Mappings()
	if cfg.PGDSN != "" {
		g.pg, err = pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		mappings = g.pg
		g.ready.Checks["postgres"] = g.pg.Ping
	}

	verifier, err := openVerifier(cfg, g.redis.DenyList(), logger)
	if err != nil {
		return nil, err
	}

	resolver := route.NewResolver(mappings,
		route.WithCache(cfg.RouteCacheSize, cfg.RouteCacheTTL),
		route.WithPrefix(cfg.APIPrefix),
		route.WithStoreTimeout(cfg.StoreTimeout),
		route.WithLogger(logger),
	)

	dispatcher, err := proxy.New(map[route.Service]string{
		route.ServiceIdentity:   cfg.IdentityURL,
		route.ServiceDeviceMgmt: cfg.DeviceMgmtURL,
		route.ServiceAnalytics:  cfg.AnalyticsURL,
		route.ServiceFrontend:   cfg.FrontendURL,
	},
		proxy.WithTimeout(cfg.UpstreamTimeout),
		proxy.WithErrorWriter(httpapi.WriteError),
		proxy.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	timeout := httpc.WithTimeout(cfg.UpstreamTimeout)
	tsdbClient, err := tsdb.New(cfg.TSDBURL, cfg.TSDBToken, tsdb.WithTimeout(cfg.UpstreamTimeout))
	if err != nil {
		return nil, err
	}
	identityClient, err := identity.New(cfg.IdentityURL, timeout)
	if err != nil {
		return nil, err
	}
	devmgmtClient, err := devmgmt.New(cfg.DeviceMgmtURL, timeout)
	if err != nil {
		return nil, err
	}
	orch, err := provision.New(tsdbClient, identityClient, devmgmtClient, mappings, resolver,
		provision.WithIdempotency(g.redis.Idempotency()),
		provision.WithRetention(cfg.BucketRetention),
		provision.WithStoreTimeout(cfg.StoreTimeout),
		provision.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	g.api = httpapi.New(httpapi.Deps{
		Verifier:    verifier,
		Resolver:    resolver,
		Proxy:       dispatcher,
		Provisioner: orch,
		Ready:       g.ready,
		Logger:      logger,
	}, httpapi.Settings{
		Prefix:       cfg.APIPrefix,
		ClientOrigin: cfg.ClientOrigin,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Version:      version,
		Commit:       commit,
	})
	return g, nil
}
