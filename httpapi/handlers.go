package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"esimflow/auth"
	"esimflow/metrics"
	"esimflow/order"
	"esimflow/queue"
	"esimflow/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody bounds inbound payloads; provider deliveries are small.
const maxWebhookBody = 1 << 20

// handleWebhook is the provider ingress. The signature covers the raw body
// bytes, so the body is read before any JSON decoding and passed through
// verbatim.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookEventsRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	timestamp := c.GetHeader("X-Timestamp")
	provided := c.GetHeader("X-Signature")
	if err := s.verifier.Verify(body, timestamp, provided); err != nil {
		metrics.WebhookEventsRejected.Inc()
		s.logger.Warn("webhook signature rejected",
			zap.String("remote", c.ClientIP()),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	var payload webhook.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEventsRejected.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if err := s.webhook.HandleEvent(c.Request.Context(), payload, body); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			// A delivery can race the order row's own creation. Past the
			// signature check only 2xx goes back, otherwise the provider
			// stops retrying; the audit row is already stored.
			s.logger.Warn("webhook for unknown order",
				zap.String("notify_type", payload.NotifyType),
				zap.String("order_no", payload.Content.OrderNo))
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		s.logger.Error("webhook processing failed",
			zap.String("notify_type", payload.NotifyType),
			zap.String("order_no", payload.Content.OrderNo),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type userResponse struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     auth.Role `json:"role"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	user, err := s.auth.Register(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		case errors.Is(err, auth.ErrWeakPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "registration failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     user.Role,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := s.auth.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": result.Token,
		"user": userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     result.User.Role,
		},
	})
}

func (s *Server) handleProcessQueue(c *gin.Context) {
	summary, err := s.queue.ProcessBatch(c.Request.Context())
	if err != nil {
		s.logger.Error("batch run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch run failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

type enqueueRequest struct {
	OrderNo  string `json:"order_no"`
	WorkType string `json:"work_type"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_no is required"})
		return
	}
	workType := queue.WorkType(req.WorkType)
	if workType == "" {
		workType = queue.WorkTypeProvision
	}

	// Ensure the order row exists so the queue item has something to resolve
	// against; re-adding an existing order is fine.
	if _, err := s.orders.Create(c.Request.Context(), req.OrderNo, nil); err != nil && !errors.Is(err, order.ErrDuplicate) {
		s.logger.Error("order create failed", zap.String("order_no", req.OrderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	item, err := s.queue.Enqueue(c.Request.Context(), req.OrderNo, workType)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownWorkType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown work type"})
			return
		}
		s.logger.Error("enqueue failed", zap.String("order_no", req.OrderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":          item.ID,
		"order_no":    item.OrderNo,
		"work_type":   item.WorkType,
		"status":      item.Status,
		"retry_count": item.RetryCount,
	})
}

type orderResponse struct {
	OrderNo       string     `json:"order_no"`
	Status        string     `json:"status"`
	EsimStatus    *string    `json:"esim_status"`
	SMDPStatus    *string    `json:"smdp_status"`
	QRCode        *string    `json:"qr_code"`
	ICCID         *string    `json:"iccid"`
	DataUsed      int64      `json:"data_used"`
	DataRemaining int64      `json:"data_remaining"`
	DaysRemaining int        `json:"days_remaining"`
	ExpiryDate    *time.Time `json:"expiry_date"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Fulfillment *fulfillmentView `json:"fulfillment,omitempty"`
}

type fulfillmentView struct {
	WorkType    queue.WorkType   `json:"work_type"`
	Status      queue.ItemStatus `json:"status"`
	RetryCount  int              `json:"retry_count"`
	LastError   *string          `json:"last_error"`
	NextAttempt time.Time        `json:"next_attempt"`
}

func (s *Server) handleGetOrder(c *gin.Context) {
	orderNo := c.Param("orderNo")
	o, err := s.orders.Get(c.Request.Context(), orderNo)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		s.logger.Error("order lookup failed", zap.String("order_no", orderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	// Customers only see their own orders; existence is not revealed.
	userID, role := callerIdentity(c)
	if role != auth.RoleAdmin && (o.UserID == nil || *o.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	resp := orderResponse{
		OrderNo:       o.OrderNo,
		Status:        string(o.Status),
		EsimStatus:    o.EsimStatus,
		SMDPStatus:    o.SMDPStatus,
		QRCode:        o.QRCode,
		ICCID:         o.ICCID,
		DataUsed:      o.DataUsed,
		DataRemaining: o.DataRemaining,
		DaysRemaining: o.DaysRemaining,
		ExpiryDate:    o.ExpiryDate,
		LastError:     o.LastError,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}

	if item, found, err := s.queueItems.LatestForOrder(c.Request.Context(), orderNo); err != nil {
		s.logger.Error("queue lookup failed", zap.String("order_no", orderNo), zap.Error(err))
	} else if found {
		resp.Fulfillment = &fulfillmentView{
			WorkType:    item.WorkType,
			Status:      item.Status,
			RetryCount:  item.RetryCount,
			LastError:   item.LastError,
			NextAttempt: item.NextAttempt,
		}
	}

	c.JSON(http.StatusOK, resp)
}

type transitionView struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Source     string    `json:"source"`
	Detail     *string   `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type deliveryView struct {
	EventType     string          `json:"event_type"`
	TransactionID *string         `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// handleOrderEvents returns the order's full audit trail: applied status
// transitions plus the raw webhook deliveries.
func (s *Server) handleOrderEvents(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if _, err := s.orders.Get(c.Request.Context(), orderNo); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		s.logger.Error("order lookup failed", zap.String("order_no", orderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	events, err := s.orders.Events(c.Request.Context(), orderNo)
	if err != nil {
		s.logger.Error("event lookup failed", zap.String("order_no", orderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	deliveries, err := s.webhookLog.ListByOrder(c.Request.Context(), orderNo)
	if err != nil {
		s.logger.Error("delivery lookup failed", zap.String("order_no", orderNo), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	transitions := make([]transitionView, 0, len(events))
	for _, e := range events {
		transitions = append(transitions, transitionView{
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Source:     e.Source,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt,
		})
	}
	webhooks := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		webhooks = append(webhooks, deliveryView{
			EventType:     d.EventType,
			TransactionID: d.TransactionID,
			Payload:       d.Payload,
			ReceivedAt:    d.ReceivedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"order_no":       orderNo,
		"transitions":    transitions,
		"webhook_events": webhooks,
	})
}
