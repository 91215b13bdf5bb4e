package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/clients/auction_api_client"
	"github.com/mcdev12/gavel/go/internal/bidchannel"
	"github.com/mcdev12/gavel/go/internal/bidding"
	"github.com/mcdev12/gavel/go/internal/config"
	"github.com/mcdev12/gavel/go/internal/deposit"
	"github.com/mcdev12/gavel/go/internal/registration"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

type Services struct {
	API          *auction_api_client.AuctionApiClient
	Channel      *bidchannel.Channel
	Deposits     *deposit.Gate
	Pipeline     *bidding.Pipeline
	Registration *registration.App
	Registry     *sessionstore.Registry

	redis *redis.Client
}

func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// REST client → deposit gate / registration → channel → pipeline → stores
	clock := clockwork.NewRealClock()

	var opts []auction_api_client.Option
	if cfg.API.Location != "" {
		loc, err := time.LoadLocation(cfg.API.Location)
		if err != nil {
			return nil, fmt.Errorf("load api location: %w", err)
		}
		opts = append(opts, auction_api_client.WithLocation(loc))
	}
	api := auction_api_client.NewAuctionApiClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, opts...)

	rdb, err := setupRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var cache deposit.Cache = deposit.NewMemoryCache(clock)
	var outbox bidding.Outbox = bidding.NewMemoryOutbox()
	if rdb != nil {
		cache = deposit.NewRedisCache(rdb, cfg.Redis.Prefix+":deposit")
		outbox = bidding.NewRedisOutbox(rdb, cfg.Redis.Prefix+":outbox")
	}
	gate := deposit.NewGate(api, cache, cfg.DepositGate())

	var dialer bidchannel.Dialer
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		dialer = bidchannel.NewWebSocketDialer(cfg.Transport.WebSocket, clock)
	default:
		dialer = bidchannel.NewNATSDialer(cfg.Transport.NATS)
	}
	channel := bidchannel.NewChannel(dialer, cfg.Topics())

	registry := sessionstore.NewRegistry()
	pipeline := bidding.NewPipeline(registry, gate, api, channel, outbox, clock, cfg.Pipeline())

	for _, sessionID := range cfg.Sessions {
		store := sessionstore.New(cfg.SessionStore(sessionID), sessionstore.Deps{
			Fetcher:  api,
			Channel:  channel,
			Bidder:   pipeline,
			Deposits: gate,
			Clock:    clock,
		})
		registry.Add(store)
	}

	return &Services{
		API:          api,
		Channel:      channel,
		Deposits:     gate,
		Pipeline:     pipeline,
		Registration: registration.NewApp(api, cfg.API.Timeout),
		Registry:     registry,
		redis:        rdb,
	}, nil
}

// setupRedis connects when an address is configured.
func setupRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := cfg.NewRedisClient()
	if rdb == nil {
		return nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	return rdb, nil
}

// Close releases what the stores do not own.
func (s *Services) Close() {
	s.Channel.CloseAll()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
}
