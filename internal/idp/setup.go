package idp

import (
	"go.opentelemetry.io/otel/trace"

	"idp-user-sync/internal/config"
)

// Setup builds the client and its token cache from cfg. When REDIS_ADDR is set the token is shared
// through Redis. The returned close func releases the Redis connection.
func Setup(cfg *config.Config, tp trace.TracerProvider) (*Client, func() error, error) {
	closeFn := func() error { return nil }
	var cacheOpts []TokenCacheOption
	if cfg.RedisAddr != "" {
		store := NewRedisTokenStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cacheOpts = append(cacheOpts, WithTokenStore(store))
		closeFn = store.Close
	}
	idpCfg := cfg.IDP()
	tokens := NewTokenCache(idpCfg, cacheOpts...)

	var clientOpts []ClientOption
	if tp != nil {
		clientOpts = append(clientOpts, WithTracerProvider(tp))
	}
	client, err := NewClient(idpCfg, tokens, clientOpts...)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return client, closeFn, nil
}
