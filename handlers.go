package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/distribution_backend/config"
	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/mmdatafocus/distribution_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerUserId         = "X-User-Id"
)

// apiHandlers serves the mutation endpoints. Its services are wired once the
// database is connected; until then ready() is false and requests get 503.
type apiHandlers struct {
	logger    *logrus.Logger
	db        *gorm.DB
	inventory *workflow.InventoryService
	orders    *workflow.OrderFulfillmentService
	wired     atomic.Bool
}

func newAPIHandlers(logger *logrus.Logger) *apiHandlers {
	return &apiHandlers{logger: logger}
}

func (h *apiHandlers) wire(db *gorm.DB, wrapper *workflow.MutationWrapper) {
	h.db = db
	h.inventory = workflow.NewInventoryService(wrapper)
	h.orders = workflow.NewOrderFulfillmentService(wrapper)
	h.wired.Store(true)
}

func (h *apiHandlers) ready() bool {
	return h.wired.Load()
}

func (h *apiHandlers) register(r gin.IRoutes) {
	r.POST("/inventory/allocations", h.allocate)
	r.POST("/inventory/allocations/batch", h.allocateMany)
	r.POST("/inventory/returns", h.returnStock)
	r.GET("/inventory/batches/:id", h.getBatch)
	r.GET("/inventory/batches/:id/ledger", h.verifyLedger)
	r.POST("/orders/:id/transitions", h.transitionOrder)
	r.GET("/orders/:id/transitions", h.nextTransitions)
}

type mutationControls struct {
	MaxRetries *int `json:"max_retries"`
	Timeout    *int `json:"timeout"`
}

type allocateRequest struct {
	BatchId            int     `json:"batch_id" binding:"required"`
	Quantity           float64 `json:"quantity"`
	OrderId            int     `json:"order_id"`
	OrderLineItemId    int     `json:"order_line_item_id"`
	ZeroOnInsufficient bool    `json:"zero_on_insufficient"`
	mutationControls
}

type allocateManyRequest struct {
	OrderId     int `json:"order_id"`
	Allocations []struct {
		BatchId         int     `json:"batch_id" binding:"required"`
		Quantity        float64 `json:"quantity"`
		OrderLineItemId int     `json:"order_line_item_id"`
	} `json:"allocations" binding:"required,min=1,dive"`
	mutationControls
}

type returnRequest struct {
	BatchId              int     `json:"batch_id" binding:"required"`
	Quantity             float64 `json:"quantity"`
	OrderId              int     `json:"order_id"`
	Reason               string  `json:"reason" binding:"max=255"`
	SkipReturnValidation bool    `json:"skip_return_validation"`
	mutationControls
}

type transitionRequest struct {
	ToStatus string `json:"to_status" binding:"required"`
	Reason   string `json:"reason" binding:"max=255"`
}

func (h *apiHandlers) allocate(c *gin.Context) {
	var req allocateRequest
	if !bindJSON(c, &req) {
		return
	}
	userId, ok := requireUserId(c)
	if !ok {
		return
	}
	res, err := h.inventory.Allocate(c.Request.Context(), models.AllocationRequest{
		BatchId:         req.BatchId,
		Quantity:        req.Quantity,
		OrderId:         req.OrderId,
		OrderLineItemId: req.OrderLineItemId,
		UserId:          userId,
	}, models.AllocateOptions{ZeroOnInsufficient: req.ZeroOnInsufficient}, controlsFrom(c, req.mutationControls))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *apiHandlers) allocateMany(c *gin.Context) {
	var req allocateManyRequest
	if !bindJSON(c, &req) {
		return
	}
	userId, ok := requireUserId(c)
	if !ok {
		return
	}
	allocations := make([]models.BatchAllocation, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		allocations = append(allocations, models.BatchAllocation{
			BatchId:         a.BatchId,
			Quantity:        a.Quantity,
			OrderLineItemId: a.OrderLineItemId,
		})
	}
	res, err := h.inventory.AllocateMany(c.Request.Context(), allocations, models.MultiAllocationOptions{
		OrderId: req.OrderId,
		UserId:  userId,
	}, controlsFrom(c, req.mutationControls))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *apiHandlers) returnStock(c *gin.Context) {
	var req returnRequest
	if !bindJSON(c, &req) {
		return
	}
	userId, ok := requireUserId(c)
	if !ok {
		return
	}
	res, err := h.inventory.Return(c.Request.Context(), models.ReturnRequest{
		BatchId:  req.BatchId,
		Quantity: req.Quantity,
		OrderId:  req.OrderId,
		Reason:   req.Reason,
		UserId:   userId,
	}, models.ReturnOptions{SkipReturnValidation: req.SkipReturnValidation}, controlsFrom(c, req.mutationControls))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *apiHandlers) transitionOrder(c *gin.Context) {
	orderId, ok := pathId(c, "Order id")
	if !ok {
		return
	}
	var req transitionRequest
	if !bindJSON(c, &req) {
		return
	}
	userId, ok := requireUserId(c)
	if !ok {
		return
	}
	res, err := h.orders.TransitionOrder(c.Request.Context(), workflow.TransitionRequest{
		OrderId:        orderId,
		ToStatus:       models.OrderFulfillmentStatus(strings.ToUpper(strings.TrimSpace(req.ToStatus))),
		UserId:         userId,
		IdempotencyKey: idempotencyKey(c),
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *apiHandlers) nextTransitions(c *gin.Context) {
	orderId, ok := pathId(c, "Order id")
	if !ok {
		return
	}
	order, err := models.GetOrder(c.Request.Context(), h.db, orderId)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":        order.ID,
		"status":          order.FulfillmentStatus,
		"terminal":        models.IsTerminalStatus(order.FulfillmentStatus),
		"next_statuses":   models.GetNextStatuses(order.FulfillmentStatus),
		"line_item_count": len(order.LineItems),
	})
}

func (h *apiHandlers) getBatch(c *gin.Context) {
	batchId, ok := pathId(c, "Batch id")
	if !ok {
		return
	}
	batch, err := models.GetBatch(c.Request.Context(), h.db, batchId)
	if err != nil {
		h.writeError(c, err)
		return
	}
	available := batch.AvailableQty()
	if config.AvailableQtyIncludesHeld() {
		available = batch.UnallocatedQty()
	}
	c.JSON(http.StatusOK, gin.H{
		"batch":         batch,
		"available_qty": available,
	})
}

func (h *apiHandlers) verifyLedger(c *gin.Context) {
	batchId, ok := pathId(c, "Batch id")
	if !ok {
		return
	}
	report, err := models.VerifyBatchLedger(c.Request.Context(), h.db, batchId)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":     report,
		"consistent": report.Consistent(),
	})
}

// bindJSON decodes the body and answers 400 on malformed input, including
// non-integer ids such as 1.5.
func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		appErr := utils.ErrValidation("invalid request body")
		for field, tag := range utils.ProcessValidationErrors(err) {
			appErr.WithDetail(field, tag)
		}
		if appErr.Details == nil {
			appErr.WithDetail("body", err.Error())
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(appErr))
		return false
	}
	return true
}

func pathId(c *gin.Context, label string) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		appErr := utils.ErrValidation("%s must be a positive integer, got %s", label, c.Param("id"))
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(appErr))
		return 0, false
	}
	return id, true
}

// requireUserId reads the caller id that correlationMiddleware parsed from X-User-Id.
func requireUserId(c *gin.Context) (int, bool) {
	userId, ok := utils.GetUserIdFromContext(c.Request.Context())
	if !ok || userId <= 0 {
		appErr := utils.ErrValidation("%s header must be a positive integer", headerUserId)
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(appErr))
		return 0, false
	}
	return userId, true
}

// idempotencyKey distinguishes a missing header (nil) from an empty one, which
// is rejected by the mutation wrapper.
func idempotencyKey(c *gin.Context) *string {
	values, ok := c.Request.Header[http.CanonicalHeaderKey(headerIdempotencyKey)]
	if !ok || len(values) == 0 {
		return nil
	}
	key := strings.TrimSpace(values[0])
	return &key
}

func controlsFrom(c *gin.Context, mc mutationControls) workflow.MutationControls {
	return workflow.MutationControls{
		IdempotencyKey: idempotencyKey(c),
		MaxRetries:     mc.MaxRetries,
		Timeout:        mc.Timeout,
	}
}

func errorBody(appErr *utils.AppError) gin.H {
	body := gin.H{
		"error":   appErr.Code,
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	return body
}

// writeError maps mutation failures onto HTTP. A categorized cause keeps its
// status; transient failures that exhausted their retries become 503.
func (h *apiHandlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var body gin.H
	if appErr, ok := utils.AsAppError(err); ok {
		status = appErr.HTTPStatus()
		body = errorBody(appErr)
	} else if models.IsTransient(err) {
		status = http.StatusServiceUnavailable
		body = gin.H{"error": "TRANSIENT_FAILURE", "message": "the database is busy, please retry"}
	} else {
		body = errorBody(utils.ErrInternal(""))
	}

	var mutErr *workflow.MutationError
	if errors.As(err, &mutErr) {
		body["domain"] = mutErr.Domain
		body["operation"] = mutErr.Operation
		body["attempts"] = mutErr.Attempts
	}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"field":  "apiHandlers",
			"path":   c.FullPath(),
			"status": status,
		}).Error(err.Error())
	}
	c.AbortWithStatusJSON(status, body)
}
