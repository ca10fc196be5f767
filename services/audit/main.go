package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// actionCount is one row of the stats endpoint.
type actionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

// recentActions counts stored events per action since the given time.
func recentActions(ctx context.Context, db *gorm.DB, since time.Time) ([]actionCount, error) {
	var rows []actionCount
	err := db.WithContext(ctx).Model(&models.AuditEvent{}).
		Select("action, count(*) AS count").
		Where("occurred_at >= ?", since).
		Group("action").
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

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

	kafkaCfg := config.GetKafkaConfig()
	if kafkaCfg.Broker == "" {
		log.Fatal("KAFKA_BROKER is required for the audit service")
	}
	consumer := audit.NewConsumer(kafkaCfg.Broker, kafkaCfg.AuditTopic, kafkaCfg.GroupID, audit.NewGormSink(db), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := gin.Default()
	router.Use(middleware.RequestID(), metrics.Middleware("audit"))

	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Audit service is healthy", nil)
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/stats", func(c *gin.Context) {
		rows, err := recentActions(c.Request.Context(), db, time.Now().Add(-24*time.Hour))
		if err != nil {
			utils.InternalServerErrorResponse(c, "Failed to load audit stats")
			return
		}
		utils.OKResponse(c, "Audit events in the last 24h", rows)
	})

	port := config.ServicePort("AUDIT", "8003")
	httpServer := &http.Server{Addr: ":" + port, Handler: router}
	go func() {
		logrus.Infof("Audit service starting on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("audit http server stopped")
			stop()
		}
	}()

	if err := consumer.Run(ctx); err != nil {
		logrus.WithError(err).Error("audit consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("failed to shut down audit http server")
	}
	if err := consumer.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close audit consumer")
	}
	logrus.Info("Audit service stopped")
}
