// Package api is the HTTP surface of the shortener.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// NewRateLimit builds the shorten rate limit from a formatted rate such as
// "60-M". With a nil client the counters live in this process.
func NewRateLimit(formatted, prefix string, client redis.UniversalClient) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	opts := limiter.StoreOptions{
		Prefix:          prefix + "limiter",
		CleanUpInterval: limiter.DefaultCleanUpInterval,
		MaxRetry:        limiter.DefaultMaxRetry,
	}
	var store limiter.Store
	if client == nil {
		store = memory.NewStoreWithOptions(opts)
	} else {
		store, err = sredis.NewStoreWithOptions(client, opts)
		if err != nil {
			return nil, err
		}
	}
	return mgin.NewMiddleware(limiter.New(store, rate)), nil
}

// NewRouter wires the routes. limit guards POST /shorten and may be nil.
func NewRouter(h *Handler, limit gin.HandlerFunc, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log.Named("http")))

	shorten := []gin.HandlerFunc{h.HandleUserLink}
	if limit != nil {
		shorten = append([]gin.HandlerFunc{limit}, shorten...)
	}
	router.POST("/shorten", shorten...)
	router.GET("/healthz", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/:code", h.HandleRedirect)
	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
