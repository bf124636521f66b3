package main

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/rtcheap/interview-room/internal/repository"
	"github.com/rtcheap/interview-room/internal/service"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const userAgent = "interview-room"

type env struct {
	cfg              config
	db               *sql.DB
	redis            *redis.Client
	transport        pubsub.Transport
	sessionService   *service.SessionService
	admissionService *service.AdmissionService
	chatService      *service.ChatService
	signalRelay      *service.SignalRelay
	traceCloser      io.Closer
}

func (e *env) checkHealth() error {
	err := dbutil.Connected(e.db)
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	if e.redis == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = e.redis.Ping(ctx).Err()
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	return nil
}

func (e *env) close() {
	err := multierr.Append(e.transport.Close(), e.db.Close())
	if e.redis != nil {
		err = multierr.Append(err, e.redis.Close())
	}
	if err != nil {
		log.Error("failed to close connections", zap.Error(err))
	}

	if e.traceCloser == nil {
		return
	}
	err = e.traceCloser.Close()
	if err != nil {
		log.Error("failed to close tracer connection", zap.Error(err))
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	db := dbutil.MustConnect(cfg.db)
	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	var transport pubsub.Transport
	switch cfg.transport {
	case transportRedis:
		redisClient = mustConnectRedis(cfg.redis)
		transport = pubsub.NewRedisTransport(redisClient)
	default:
		log.Warn("using in-memory signaling transport, sessions are bound to this instance")
		transport = pubsub.NewMemoryTransport()
	}

	e := newEnv(cfg, db, transport)
	e.redis = redisClient
	e.traceCloser = closer
	return e
}

func newEnv(cfg config, db *sql.DB, transport pubsub.Transport) *env {
	sessionRepo := repository.NewSessionRepository(db)
	issuer := jwt.NewIssuer(cfg.jwtCredentials)

	sessionService := &service.SessionService{
		Issuer:          issuer,
		STUNServers:     cfg.stunServers,
		AssignRelay:     cfg.turn.enabled,
		TurnRPCProtocol: cfg.turn.rpcProtocol,
		RelayPort:       cfg.turn.udpPort,
		SessionRepo:     sessionRepo,
		RegistryClient:  serviceregistry.NewClient(newRPCClient(cfg.serviceRegistry.url, issuer)),
		TurnClient:      turnserver.NewClient(newRPCClient("", issuer)),
	}

	return &env{
		cfg:            cfg,
		db:             db,
		transport:      transport,
		sessionService: sessionService,
		admissionService: &service.AdmissionService{
			SessionRepo:   sessionRepo,
			AdmissionRepo: repository.NewAdmissionRepository(db),
		},
		chatService: &service.ChatService{
			SessionRepo: sessionRepo,
			ChatRepo:    repository.NewChatRepository(db),
			Transport:   transport,
		},
		// Origins are checked by the origin filter before the upgrade.
		signalRelay: service.NewSignalRelay(transport, allowAnyOrigin),
	}
}

func newRPCClient(baseURL string, issuer jwt.Issuer) client.Client {
	return client.Client{
		RPCClient: rpc.NewClient(5 * time.Second),
		Issuer:    issuer,
		BaseURL:   baseURL,
		Role:      jwt.SystemRole,
		UserAgent: userAgent,
	}
}

func mustConnectRedis(cfg redisConfig) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.addr,
		Password: cfg.password,
		DB:       cfg.db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Ping(ctx).Err()
	if err != nil {
		log.Fatal("failed to connect to redis", zap.String("addr", cfg.addr), zap.Error(err))
	}

	return c
}
