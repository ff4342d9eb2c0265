package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"esimflow/auth"
	"esimflow/order"
	"esimflow/queue"
	"esimflow/webhook"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AuthService covers the account flows the API exposes.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// QueueService drives fulfillment work.
type QueueService interface {
	Enqueue(ctx context.Context, orderNo string, workType queue.WorkType) (queue.Item, error)
	ProcessBatch(ctx context.Context) (queue.Summary, error)
}

// WebhookService handles verified provider deliveries.
type WebhookService interface {
	HandleEvent(ctx context.Context, p webhook.Payload, raw json.RawMessage) error
}

// SignatureVerifier authenticates raw webhook bodies.
type SignatureVerifier interface {
	Verify(message []byte, timestamp, provided string) error
}

// OrderStore is the order read/create surface the handlers need.
type OrderStore interface {
	Create(ctx context.Context, orderNo string, userID *string) (order.Order, error)
	Get(ctx context.Context, orderNo string) (order.Order, error)
	Events(ctx context.Context, orderNo string) ([]order.Event, error)
}

// QueueStore is the queue read surface for the order view.
type QueueStore interface {
	LatestForOrder(ctx context.Context, orderNo string) (queue.Item, bool, error)
}

// WebhookLog reads the stored delivery audit trail.
type WebhookLog interface {
	ListByOrder(ctx context.Context, orderNo string) ([]webhook.Event, error)
}

// Server wires the HTTP surface. Construction takes interfaces so handler
// tests run against fakes.
type Server struct {
	auth       AuthService
	queue      QueueService
	webhook    WebhookService
	verifier   SignatureVerifier
	orders     OrderStore
	queueItems QueueStore
	webhookLog WebhookLog
	logger     *zap.Logger
	metrics    http.Handler
}

func NewServer(
	authSvc AuthService,
	queueSvc QueueService,
	webhookSvc WebhookService,
	verifier SignatureVerifier,
	orders OrderStore,
	queueItems QueueStore,
	webhookLog WebhookLog,
	logger *zap.Logger,
) *Server {
	return &Server{
		auth:       authSvc,
		queue:      queueSvc,
		webhook:    webhookSvc,
		verifier:   verifier,
		orders:     orders,
		queueItems: queueItems,
		webhookLog: webhookLog,
		logger:     logger,
		metrics:    promhttp.Handler(),
	}
}

// WithMetricsHandler overrides the /metrics handler, used when collectors
// live on a private registry.
func (s *Server) WithMetricsHandler(h http.Handler) *Server {
	s.metrics = h
	return s
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.metrics))

	api := r.Group("/api")
	api.POST("/webhook", s.handleWebhook)
	api.POST("/auth/register", s.handleRegister)
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(s.requireAuth())
	authed.GET("/orders/:orderNo", s.handleGetOrder)

	admin := api.Group("")
	admin.Use(s.requireAuth(), s.requireRole(auth.RoleAdmin))
	admin.POST("/queue/process", s.handleProcessQueue)
	admin.POST("/queue/add", s.handleEnqueue)
	admin.GET("/orders/:orderNo/events", s.handleOrderEvents)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}
