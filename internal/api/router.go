package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/api/graph"
	"github.com/lvdashuaibi/fairdraw/internal/entropy"
	"github.com/lvdashuaibi/fairdraw/internal/metrics"
	"github.com/lvdashuaibi/fairdraw/internal/service"
	"github.com/sirupsen/logrus"
)

// Handler HTTP 入口依赖
type Handler struct {
	svc     *service.GiveawayService
	graphql *graph.GraphQLServer
	limiter *RateLimiter
	log     logrus.FieldLogger
}

// NewRouter 装配 gin 路由：GraphQL、报告下载、指标与健康检查
func NewRouter(svc *service.GiveawayService, cfg *config.Config, log logrus.FieldLogger) (*gin.Engine, *RateLimiter) {
	h := &Handler{
		svc:     svc,
		graphql: graph.NewGraphQLServer(svc),
		limiter: NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log),
		log:     log.WithField("component", "http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	path := cfg.GraphQL.Path
	if path == "" {
		path = "/graphql"
	}
	r.GET("/", gin.WrapH(h.graphql.Playground(path)))

	limited := r.Group("/", h.limiter.Middleware())
	limited.POST(path, gin.WrapH(h.graphql.Handler()))
	limited.GET("/giveaways/:id/report", h.downloadReport)

	return r, h.limiter
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// downloadReport 以附件形式返回开奖报告
func (h *Handler) downloadReport(c *gin.Context) {
	id := c.Param("id")
	report, err := h.svc.Details(c.Request.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.WithError(err).WithField("giveaway", id).Error("生成开奖报告失败")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="giveaway_%s_report.json"`, id))
	c.IndentedJSON(http.StatusOK, report)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotClosed),
		errors.Is(err, service.ErrDrawInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, entropy.ErrTimeout),
		errors.Is(err, entropy.ErrNetwork),
		errors.Is(err, entropy.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}
