package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"recharge-service/internal/service"
	"recharge-service/internal/store"
	"recharge-service/internal/util"
	"recharge-service/internal/wechat"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	rechargeService *service.RechargeService
	notifyService   *service.NotifyService
}

// NewHandler creates a new HTTP handler
func NewHandler(rechargeService *service.RechargeService, notifyService *service.NotifyService) *Handler {
	return &Handler{
		rechargeService: rechargeService,
		notifyService:   notifyService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/recharge/orders", h.createRechargeOrder)
		v1.GET("/recharge/orders/:orderNo", h.getOrderStatus)
		v1.GET("/recharge/packages", h.listPackages)
		v1.GET("/users/:userID/balance", h.getUserBalance)
		v1.GET("/users/:userID/orders", h.getUserOrders)
		v1.GET("/users/:userID/transactions", h.getTransactions)
		v1.POST("/users/:userID/consume", h.consumePoints)
		v1.POST("/users/:userID/reward", h.awardPoints)
	}

	// The gateway posts XML here; it is not part of the JSON API.
	router.POST("/api/v1/payment/notify/wechat", h.wechatNotify)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createRechargeOrderRequest struct {
	UserID    int64 `json:"user_id" binding:"required"`
	PackageID int64 `json:"package_id" binding:"required"`
}

// createRechargeOrder handles recharge order creation
func (h *Handler) createRechargeOrder(c *gin.Context) {
	var req createRechargeOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.rechargeService.CreateRechargeOrder(c.Request.Context(), req.UserID, req.PackageID, c.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		case errors.Is(err, store.ErrPackageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Package not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to create recharge order",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrderStatus handles order status lookups
func (h *Handler) getOrderStatus(c *gin.Context) {
	orderNo := c.Param("orderNo")

	view, err := h.rechargeService.GetOrderStatus(c.Request.Context(), orderNo)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get order status",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, view)
}

// listPackages handles the package catalog
func (h *Handler) listPackages(c *gin.Context) {
	pkgs, err := h.rechargeService.ListPackages(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list packages",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}

// getUserBalance handles point balance lookups
func (h *Handler) getUserBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	points, err := h.rechargeService.GetUserBalance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get balance",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"points":  points,
	})
}

// getTransactions handles ledger history lookups
func (h *Handler) getTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := h.rechargeService.GetTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get transactions",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// getUserOrders handles recharge order history lookups
func (h *Handler) getUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	orders, err := h.rechargeService.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type awardPointsRequest struct {
	Amount      int    `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

// awardPoints handles promotional credits
func (h *Handler) awardPoints(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var req awardPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	balance, err := h.rechargeService.AwardPoints(c.Request.Context(), userID, req.Amount, req.Description)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to award points",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"points":  balance,
	})
}

type consumePointsRequest struct {
	Amount       int    `json:"amount" binding:"required,gt=0"`
	Description  string `json:"description"`
	ModelName    string `json:"model_name"`
	QuestionType string `json:"question_type"`
}

// consumePoints handles usage debits
func (h *Handler) consumePoints(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	var req consumePointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	balance, err := h.rechargeService.ConsumePoints(c.Request.Context(), userID,
		req.Amount, req.Description, req.ModelName, req.QuestionType)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		case errors.Is(err, store.ErrInsufficientPoints):
			c.JSON(http.StatusConflict, gin.H{"error": "Insufficient points"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to consume points",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"points":  balance,
	})
}

// wechatNotify handles asynchronous payment notifications. The gateway
// expects an XML acknowledgement with HTTP 200 regardless of outcome;
// a FAIL ack body is what triggers its retry schedule.
func (h *Handler) wechatNotify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Data(http.StatusOK, "application/xml", []byte(wechat.AckFail("read error")))
		return
	}

	ack := h.notifyService.HandleNotify(c.Request.Context(), body)
	c.Data(http.StatusOK, "application/xml", []byte(ack))
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
