package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ripcord-app/gateway/config"
	"github.com/ripcord-app/gateway/logger"
	"github.com/ripcord-app/gateway/service/gateway"
	"github.com/ripcord-app/gateway/service/perm"
	"github.com/ripcord-app/gateway/service/presence"
	"github.com/ripcord-app/gateway/service/pubsub"
	"github.com/ripcord-app/gateway/service/storage"
	"github.com/ripcord-app/gateway/service/token"
	"github.com/ripcord-app/gateway/service/voice"
	"github.com/ripcord-app/gateway/tools/ids"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	if err := storage.InitRedis(storage.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}); err != nil {
		logger.Errorf("init redis: %v", err)
		os.Exit(1)
	}
	defer func() { _ = storage.CloseRedis() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg, err := storage.NewPGStore(ctx, cfg.Postgres.URL)
	cancel()
	if err != nil {
		logger.Errorf("init postgres: %v", err)
		os.Exit(1)
	}
	defer pg.Close()

	newBroker := func(handler pubsub.Handler) (pubsub.Broker, error) {
		if cfg.Broker == "nats" {
			return pubsub.NewNATSBroker(pubsub.NATSConfig{
				Servers: cfg.NATS.Servers,
				Name:    cfg.GatewayID,
			}, handler)
		}
		return pubsub.NewRedisBroker(storage.GetRedis(), handler), nil
	}

	srv, err := gateway.NewServer(gateway.ServerConf{
		GatewayID: cfg.GatewayID,
		Registry: gateway.RegistryConf{
			MaxPerUser:        cfg.Gateway.MaxConnsPerUser,
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
			MissedBeatLimit:   cfg.Gateway.MissedBeatLimit,
			UnauthTTL:         cfg.Gateway.UnauthTTL,
			SweepEvery:        cfg.Gateway.SweepEvery,
		},
		Presence: presence.Conf{
			TTL:   cfg.Gateway.PresenceTTL,
			Grace: cfg.Gateway.PresenceGrace,
		},
		Voice: voice.Conf{
			TTL: cfg.Gateway.VoiceTTL,
		},
	}, gateway.ServerDeps{
		Verifier:  token.NewHMACVerifier([]byte(cfg.JWTSecret)),
		Directory: pg,
		Resolver:  perm.NewResolver(pg, 30*time.Second),
		TTLStore:  storage.NewRedisTTLStore(storage.GetRedis()),
	}, newBroker)
	if err != nil {
		logger.Errorf("init gateway: %v", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", srv.HandleWS)
	router.GET("/healthz", srv.HandleHealthz)

	go func() {
		logger.Infof("gateway %s listening on %s", cfg.GatewayID, cfg.HTTPAddr)
		if err := router.Run(cfg.HTTPAddr); err != nil {
			logger.Errorf("http server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	srv.Close()
}
