package main

import (
	"strconv"
	"strings"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
	"go.uber.org/zap"
)

// Signaling transports.
const (
	transportMemory = "memory"
	transportRedis  = "redis"
)

type config struct {
	db              dbutil.Config
	port            string
	transport       string
	redis           redisConfig
	serviceRegistry serviceRegistryConfig
	turn            turnConfig
	stunServers     []string
	allowedOrigins  []string
	migrationsPath  string
	jwtCredentials  jwt.Credentials
}

type redisConfig struct {
	addr     string
	password string
	db       int
}

type serviceRegistryConfig struct {
	url string
}

type turnConfig struct {
	enabled     bool
	udpPort     int
	rpcProtocol string
}

func getConfig() config {
	return config{
		db: dbutil.MysqlConfig{
			Host:             environ.MustGet("DB_HOST"),
			Port:             environ.MustGet("DB_PORT"),
			Database:         environ.MustGet("DB_DATABASE"),
			User:             environ.MustGet("DB_USERNAME"),
			Password:         environ.MustGet("DB_PASSWORD"),
			ConnectionParams: "parseTime=true",
		},
		port:            environ.Get("SERVICE_PORT", "8080"),
		transport:       getTransport(),
		redis:           getRedisConfig(),
		serviceRegistry: getServiceRegistryConfig(),
		turn:            getTurnConfig(),
		stunServers:     splitList(environ.Get("STUN_SERVERS", "stun:stun.l.google.com:19302")),
		allowedOrigins:  splitList(environ.Get("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		migrationsPath:  environ.Get("MIGRATIONS_PATH", "/etc/interview-room/migrations"),
		jwtCredentials:  getJwtCredentials(),
	}
}

func getTransport() string {
	transport := environ.Get("SIGNALING_TRANSPORT", transportRedis)
	if transport != transportMemory && transport != transportRedis {
		log.Fatal("unknown signaling transport", zap.String("transport", transport))
	}
	return transport
}

func getRedisConfig() redisConfig {
	db, err := strconv.Atoi(environ.Get("REDIS_DB", "0"))
	if err != nil {
		log.Fatal("failed to parse redis db", zap.Error(err))
	}

	return redisConfig{
		addr:     environ.Get("REDIS_ADDR", "localhost:6379"),
		password: environ.Get("REDIS_PASSWORD", ""),
		db:       db,
	}
}

func getTurnConfig() turnConfig {
	udpPort, err := strconv.Atoi(environ.Get("TURN_UDP_PORT", "3478"))
	if err != nil {
		log.Fatal("failed to parse turn udp port", zap.Error(err))
	}

	enabled, err := strconv.ParseBool(environ.Get("TURN_ENABLED", "false"))
	if err != nil {
		log.Fatal("failed to parse turn enabled flag", zap.Error(err))
	}

	return turnConfig{
		enabled:     enabled,
		udpPort:     udpPort,
		rpcProtocol: environ.Get("TURN_RPC_PROTOCOL", "http"),
	}
}

func getServiceRegistryConfig() serviceRegistryConfig {
	return serviceRegistryConfig{
		url: environ.Get("SERVICEREGISTRY_URL", "http://service-registry:8080"),
	}
}

func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.MustGet("JWT_ISSUER"),
		Secret: environ.MustGet("JWT_SECRET"),
	}
}

func splitList(value string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
