package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/credentials"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// newRouter wires the public routes. Tokens are validated and the tenant is
// resolved here; membership and permission checks stay in the services.
func newRouter(clients *ServiceClients, tokens middleware.TokenValidator, resolver middleware.TenantResolver, limiter *middleware.RateLimiter, logger logrus.FieldLogger) *gin.Engine {
	authMiddleware := middleware.NewAuthMiddleware(tokens, nil, nil, nil, logger)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.CORS(), metrics.Middleware("gateway"), middleware.RateLimit(limiter))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "API Gateway is healthy", nil)
	})
	router.GET("/health/services", func(c *gin.Context) {
		utils.OKResponse(c, "Service status", clients.GetServiceStatus(c.Request.Context()))
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Authentication routes
	auth := router.Group("/auth")
	{
		auth.POST("/login", clients.AuthService.ProxyRequest)
		auth.POST("/refresh", clients.AuthService.ProxyRequest)
	}

	protected := router.Group("", authMiddleware.RequireAuth(), middleware.ResolveTenant(resolver))
	{
		protected.POST("/auth/logout", clients.AuthService.ProxyRequest)
		protected.POST("/auth/logout-all", clients.AuthService.ProxyRequest)
		protected.POST("/auth/switch-tenant", clients.AuthService.ProxyRequest)
		protected.GET("/auth/me", clients.AuthService.ProxyRequest)
		protected.GET("/auth/tenants", clients.AuthService.ProxyRequest)
		protected.POST("/auth/invitations/accept", clients.AuthService.ProxyRequest)

		protected.POST("/session", clients.AuthService.ProxyRequest)
		protected.GET("/session", clients.AuthService.ProxyRequest)
		protected.DELETE("/session", clients.AuthService.ProxyRequest)
		protected.PUT("/session/tenant", clients.AuthService.ProxyRequest)
		protected.PUT("/session/brewery", clients.AuthService.ProxyRequest)

		protected.POST("/tenants", clients.TenantService.ProxyRequest)
		protected.GET("/tenants/resolve", clients.TenantService.ProxyRequest)
		protected.GET("/tenants/:id", clients.TenantService.ProxyRequest)
		protected.PUT("/tenants/:id", clients.TenantService.ProxyRequest)
		protected.DELETE("/tenants/:id", clients.TenantService.ProxyRequest)
		protected.GET("/tenants/:id/users", clients.TenantService.ProxyRequest)
		protected.POST("/tenants/:id/invitations", clients.TenantService.ProxyRequest)
		protected.PUT("/tenants/:id/users/:user_id", clients.TenantService.ProxyRequest)
	}

	return router
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}
	logger := logrus.StandardLogger()

	jwtCfg, err := config.GetJWTConfig()
	if err != nil {
		log.Fatal("Invalid JWT configuration:", err)
	}
	issuer, err := credentials.NewIssuer(jwtCfg)
	if err != nil {
		log.Fatal("Failed to create token issuer:", err)
	}

	db, err := config.ConnectDatabase()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize Redis for caching
	var cache *utils.Cache
	if redisClient, err := utils.InitRedis(context.Background()); err != nil {
		logrus.Warnf("Failed to connect to Redis, tenant caching disabled: %v", err)
	} else {
		cache = utils.NewCache(redisClient)
	}

	tenancyCfg := config.GetTenancyConfig()
	resolver := tenancy.NewResolver(tenancy.NewRepository(db), cache, tenancyCfg.BaseDomain, tenancyCfg.CacheTTL, logger)

	rlCfg := config.GetRateLimitConfig()
	limiter := middleware.NewRateLimiter(rlCfg.RPS, rlCfg.Burst)
	stop := make(chan struct{})
	defer close(stop)
	go limiter.Run(time.Minute, stop)

	// Initialize service clients
	clients := &ServiceClients{
		AuthService:   NewServiceClient("auth", os.Getenv("AUTH_SERVICE_URL"), logger),
		TenantService: NewServiceClient("tenant", os.Getenv("TENANT_SERVICE_URL"), logger),
		AuditService:  NewServiceClient("audit", os.Getenv("AUDIT_SERVICE_URL"), logger),
	}

	router := newRouter(clients, issuer, resolver, limiter, logger)

	// Start server
	port := os.Getenv("API_GATEWAY_PORT")
	if port == "" {
		port = "8080"
	}

	logrus.Infof("API Gateway starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start API Gateway:", err)
	}
}
