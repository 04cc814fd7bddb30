package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/erpsync_backend/config"
	"bitbucket.org/mmdatafocus/erpsync_backend/erpsync"
	"bitbucket.org/mmdatafocus/erpsync_backend/middlewares"
	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("ERP_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Wiring is deferred behind this holder so the server can start
	// listening before the database is reachable (Cloud Run startup).
	var svc *erpsync.Service
	withService := func(build func(*erpsync.Service) gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			if svc == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
				return
			}
			build(svc)(c)
		}
	}

	// API endpoints (ERP invoice sync)
	r.POST("/api/sync/invoices/run", withService(erpsync.RunInvoiceSyncHandler))
	r.GET("/api/sync/invoices/status", withService(erpsync.StatusHandler))
	r.GET("/api/sync/invoices/runs", withService(erpsync.RunHistoryHandler))
	r.GET("/api/sync/invoices/runs/:id", withService(erpsync.RunDetailHandler))
	r.POST("/api/sync/invoices/runs/:id/retry", withService(erpsync.RetryRunHandler))
	r.GET("/api/sync/invoices/runs/:id/report.xlsx", withService(erpsync.ReportHandler))

	// Pub/Sub push endpoint for queued runs.
	r.POST("/pubsub/erp-sync", withService(erpsync.PubSubPushHandler))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	provider := erpsync.NewBillingProvider(db, settings.HTTPTimeout)
	gateway := erpsync.NewErpGateway(settings, logger)
	var notifier erpsync.Notifier
	if settings.EscalationTopic != "" {
		notifier = erpsync.NewPubSubNotifier(settings.EscalationTopic, logger)
	} else {
		notifier = erpsync.NewLogNotifier(logger)
	}
	orch := erpsync.NewOrchestrator(provider, gateway, notifier, logger, settings)
	store := erpsync.NewRunStore(db)
	svc = erpsync.NewService(orch, store, config.GetRedisLock(), settings, logger)

	if settings.EscalationTopic != "" || settings.RunQueueTopic != "" {
		go func() {
			client, err := config.GetClient(sigCtx)
			if err != nil {
				config.LogError(logger, "main", "main", "pubsub client", nil, err)
				return
			}
			for _, topic := range []string{settings.EscalationTopic, settings.RunQueueTopic} {
				if topic == "" {
					continue
				}
				if _, err := config.CreateTopicIfNotExists(client, topic); err != nil {
					config.LogError(logger, "main", "main", "ensure topic "+topic, nil, err)
				}
			}
		}()
	}

	erpsync.StartScheduler(sigCtx, svc, settings, logger)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
