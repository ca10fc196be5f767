package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/access"
	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/credentials"
	"github.com/pavitra93/go-brewery-tenancy/shared/identity"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/session"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/users"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}
	logger := logrus.StandardLogger()

	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	redisClient, err := utils.InitRedis(context.Background())
	if err != nil {
		log.Fatal("Failed to connect to redis:", err)
	}
	cache := utils.NewCache(redisClient)

	jwtCfg, err := config.GetJWTConfig()
	if err != nil {
		log.Fatal("Invalid JWT configuration:", err)
	}
	issuer, err := credentials.NewIssuer(jwtCfg)
	if err != nil {
		log.Fatal("Failed to create token issuer:", err)
	}
	tokens := credentials.NewService(
		issuer,
		credentials.NewRefreshStore(redisClient, jwtCfg.UserTokensRetention, logger),
		jwtCfg.RefreshTTL,
		logger,
	)

	var (
		verifier  identity.Verifier  = unconfiguredVerifier{}
		registrar identity.Registrar = unconfiguredVerifier{}
	)
	if cognitoCfg := config.GetCognitoConfig(); cognitoCfg.UserPoolID != "" && cognitoCfg.ClientID != "" {
		cv, err := identity.NewCognitoVerifier(cognitoCfg)
		if err != nil {
			log.Fatal("Failed to initialize identity provider:", err)
		}
		verifier, registrar = cv, cv
	} else {
		logrus.Warn("Cognito is not configured, logins will be rejected")
	}

	evaluator, err := access.LoadOverrides(config.AccessOverridesFile())
	if err != nil {
		log.Fatal("Failed to load access overrides:", err)
	}

	tenancyCfg := config.GetTenancyConfig()
	repo := tenancy.NewRepository(db)
	userRepo := users.NewRepository(db)
	resolver := tenancy.NewResolver(repo, cache, tenancyCfg.BaseDomain, tenancyCfg.CacheTTL, logger)

	recorder, closeRecorder := newRecorder(logger)
	defer closeRecorder()

	srv := &server{
		verifier:  verifier,
		registrar: registrar,
		users:     userRepo,
		members:   repo,
		resolver:  resolver,
		tokens:    tokens,
		sessions:  session.NewCoordinator(
			session.NewRedisStore(cache, session.DefaultTTL),
			session.NewRepositoryDirectory(repo),
			session.NewIssuerMinter(userRepo, resolver, repo, issuer),
			logger,
		),
		audit: recorder,
		log:   logger,
	}
	authMiddleware := middleware.NewAuthMiddleware(issuer, repo, userRepo, evaluator, logger)

	router := gin.Default()
	router.Use(middleware.RequestID(), middleware.CORS(), metrics.Middleware("auth"))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Auth service is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	srv.routes(router, authMiddleware)

	port := config.ServicePort("AUTH", "8001")
	logrus.Infof("Auth service starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start auth service:", err)
	}
}

// newRecorder publishes audit events to Kafka when a broker is configured.
func newRecorder(logger logrus.FieldLogger) (audit.Recorder, func()) {
	kafkaCfg := config.GetKafkaConfig()
	if kafkaCfg.Broker == "" {
		logrus.Warn("KAFKA_BROKER not set, audit events go to the log")
		return audit.NewLogRecorder(logger), func() {}
	}
	rec := audit.NewKafkaRecorder(kafkaCfg.Broker, kafkaCfg.AuditTopic, logger)
	return rec, func() {
		if err := rec.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to flush audit events")
		}
	}
}
