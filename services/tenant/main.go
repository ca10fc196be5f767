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
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
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

	// Initialize database
	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Redis backs the tenant lookup cache
	redisClient, err := utils.InitRedis(context.Background())
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer redisClient.Close()

	jwtCfg, err := config.GetJWTConfig()
	if err != nil {
		log.Fatal("Invalid JWT configuration:", err)
	}
	issuer, err := credentials.NewIssuer(jwtCfg)
	if err != nil {
		log.Fatal("Failed to create token issuer:", err)
	}

	evaluator, err := access.LoadOverrides(config.AccessOverridesFile())
	if err != nil {
		log.Fatal("Failed to load access overrides:", err)
	}

	tenancyCfg := config.GetTenancyConfig()
	repo := tenancy.NewRepository(db)
	userRepo := users.NewRepository(db)
	resolver := tenancy.NewResolver(repo, utils.NewCache(redisClient), tenancyCfg.BaseDomain, tenancyCfg.CacheTTL, logger)
	provisioner := tenancy.NewProvisioner(repo, tenancy.NewPostgresSchemas(db), resolver, tenancy.NoopBilling{}, tenancyCfg, logger)

	var recorder audit.Recorder = audit.NewLogRecorder(logger)
	if kafkaCfg := config.GetKafkaConfig(); kafkaCfg.Broker != "" {
		kr := audit.NewKafkaRecorder(kafkaCfg.Broker, kafkaCfg.AuditTopic, logger)
		defer kr.Close()
		recorder = kr
	} else {
		logrus.Warn("KAFKA_BROKER not set, audit events go to the log")
	}

	srv := &server{
		provisioner: provisioner,
		tenants:     repo,
		users:       userRepo,
		caches:      resolver,
		resolver:    resolver,
		issuer:      issuer,
		audit:       recorder,
		log:         logger,
	}
	authMiddleware := middleware.NewAuthMiddleware(issuer, repo, userRepo, evaluator, logger)

	// Initialize Gin router
	router := gin.Default()
	router.Use(middleware.RequestID(), middleware.CORS(), metrics.Middleware("tenant"))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Tenant service is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	srv.routes(router, authMiddleware)

	// Start server
	port := config.ServicePort("TENANT", "8002")
	logrus.Infof("Tenant service starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start tenant service:", err)
	}
}
