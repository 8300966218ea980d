package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"github.com/kursadbilgin/fx-batch-engine/internal/service"
	"github.com/shopspring/decimal"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type BatchService interface {
	CreateBatch(ctx context.Context, input service.CreateBatchInput) (*domain.Batch, []domain.Trade, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetProgress(ctx context.Context, id string) (domain.Progress, error)
	ListBatches(ctx context.Context, params repository.BatchListParams) ([]domain.Batch, int64, error)
	ListTrades(ctx context.Context, batchID string, filter service.TradeFilter) ([]domain.Trade, error)
	ErrorSummary(ctx context.Context, batchID string) ([]domain.TradeErrorSummary, error)
	ListNotifications(ctx context.Context, batchID string) ([]domain.BatchNotification, error)
	DeleteBatch(ctx context.Context, id string) error
	EnqueueRun(ctx context.Context, id string) (*domain.Batch, error)
	CancelBatch(ctx context.Context, id string) (*domain.Batch, error)
	SetPriority(ctx context.Context, id string, priority int) (int, error)
	NextEligible(ctx context.Context) (*domain.Batch, error)
	ListLocked(ctx context.Context) ([]domain.LockInfo, error)
	SweepLocks(ctx context.Context) (int64, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/locked", h.ListLocked)
	v1.Get("/batches/next", h.NextEligible)
	v1.Post("/batches/locks/sweep", h.SweepLocks)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Get("/batches/:id/progress", h.GetProgress)
	v1.Get("/batches/:id/trades", h.ListTrades)
	v1.Get("/batches/:id/errors", h.ErrorSummary)
	v1.Get("/batches/:id/notifications", h.ListNotifications)
	v1.Post("/batches/:id/run", h.RunBatch)
	v1.Post("/batches/:id/cancel", h.CancelBatch)
	v1.Put("/batches/:id/priority", h.SetPriority)
	v1.Delete("/batches/:id", h.DeleteBatch)

	return nil
}

type createTradeRequest struct {
	ClientID  string          `json:"clientId"`
	AmountZAR decimal.Decimal `json:"amountZar"`
}

type createBatchRequest struct {
	UID                 string               `json:"uid"`
	Priority            *int                 `json:"priority,omitempty"`
	MaxConcurrentTrades *int                 `json:"maxConcurrentTrades,omitempty"`
	Trades              []createTradeRequest `json:"trades"`
}

type setPriorityRequest struct {
	Priority *int `json:"priority"`
}

type batchResponse struct {
	ID                      string     `json:"id"`
	UID                     string     `json:"uid"`
	Status                  string     `json:"status"`
	TotalTrades             int        `json:"totalTrades"`
	ProcessedTrades         int        `json:"processedTrades"`
	FailedTrades            int        `json:"failedTrades"`
	ProgressPercent         float64    `json:"progressPercent"`
	Priority                int        `json:"priority"`
	QueuePosition           int        `json:"queuePosition"`
	MaxConcurrentTrades     int        `json:"maxConcurrentTrades"`
	CurrentConcurrentTrades int        `json:"currentConcurrentTrades"`
	LockedBy                *string    `json:"lockedBy,omitempty"`
	LockExpiresAt           *time.Time `json:"lockExpiresAt,omitempty"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

type tradeResponse struct {
	ID            string           `json:"id"`
	BatchID       string           `json:"batchId"`
	ClientID      string           `json:"clientId"`
	AmountZAR     decimal.Decimal  `json:"amountZar"`
	Status        string           `json:"status"`
	StatusMessage string           `json:"statusMessage,omitempty"`
	QuoteID       *string          `json:"quoteId,omitempty"`
	QuoteRate     *decimal.Decimal `json:"quoteRate,omitempty"`
	SettlementID  *string          `json:"settlementId,omitempty"`
	SettlementRef *string          `json:"settlementRef,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

type createBatchResponse struct {
	Batch  batchResponse   `json:"batch"`
	Trades []tradeResponse `json:"trades"`
}

type progressResponse struct {
	BatchID   string  `json:"batchId"`
	Status    string  `json:"status"`
	Total     int     `json:"total"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type errorSummaryItem struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type lockResponse struct {
	BatchID   string    `json:"batchId"`
	UID       string    `json:"uid"`
	Status    string    `json:"status"`
	LockedBy  string    `json:"lockedBy"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type notificationResponse struct {
	ID          string               `json:"id"`
	Type        string               `json:"type"`
	Snapshot    domain.BatchSnapshot `json:"snapshot"`
	CreatedAt   time.Time            `json:"createdAt"`
	DeliveredAt *time.Time           `json:"deliveredAt,omitempty"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	input := service.CreateBatchInput{
		UID:                 req.UID,
		Priority:            req.Priority,
		MaxConcurrentTrades: req.MaxConcurrentTrades,
		Trades:              make([]service.TradeInput, 0, len(req.Trades)),
	}
	for _, trade := range req.Trades {
		input.Trades = append(input.Trades, service.TradeInput{
			ClientID:  trade.ClientID,
			AmountZAR: trade.AmountZAR,
		})
	}

	batch, trades, err := h.service.CreateBatch(requestContext(c), input)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(createBatchResponse{
		Batch:  toBatchResponse(batch),
		Trades: toTradeResponses(trades),
	})
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	params, err := parseBatchListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	batches, total, err := h.service.ListBatches(requestContext(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchResponse, 0, len(batches))
	for i := range batches {
		data = append(data, toBatchResponse(&batches[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	batch, err := h.service.GetBatch(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *BatchHandler) GetProgress(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	progress, err := h.service.GetProgress(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(progressResponse{
		BatchID:   id,
		Status:    progress.Status.String(),
		Total:     progress.Total,
		Processed: progress.Processed,
		Failed:    progress.Failed,
		Percent:   progress.Percent,
	})
}

func (h *BatchHandler) ListTrades(c *fiber.Ctx) error {
	var filter service.TradeFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := domain.ParseTradeStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		filter.Status = &status
	}

	trades, err := h.service.ListTrades(requestContext(c), c.Params("id"), filter)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": toTradeResponses(trades),
	})
}

func (h *BatchHandler) ErrorSummary(c *fiber.Ctx) error {
	summary, err := h.service.ErrorSummary(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]errorSummaryItem, 0, len(summary))
	for _, s := range summary {
		items = append(items, errorSummaryItem{Message: s.Message, Count: s.Count})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": items,
	})
}

func (h *BatchHandler) ListNotifications(c *fiber.Ctx) error {
	notifications, err := h.service.ListNotifications(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, notificationResponse{
			ID:          n.ID,
			Type:        n.Type.String(),
			Snapshot:    n.Snapshot,
			CreatedAt:   n.CreatedAt,
			DeliveredAt: n.DeliveredAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": items,
	})
}

func (h *BatchHandler) RunBatch(c *fiber.Ctx) error {
	batch, err := h.service.EnqueueRun(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batchId": batch.ID,
		"status":  batch.Status.String(),
		"queued":  true,
	})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	batch, err := h.service.CancelBatch(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *BatchHandler) SetPriority(c *fiber.Ctx) error {
	var req setPriorityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Priority == nil {
		return toHTTPError(fmt.Errorf("%w: priority is required", domain.ErrValidation))
	}

	id := strings.TrimSpace(c.Params("id"))
	priority, err := h.service.SetPriority(requestContext(c), id, *req.Priority)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":  id,
		"priority": priority,
	})
}

func (h *BatchHandler) DeleteBatch(c *fiber.Ctx) error {
	if err := h.service.DeleteBatch(requestContext(c), c.Params("id")); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *BatchHandler) NextEligible(c *fiber.Ctx) error {
	batch, err := h.service.NextEligible(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	if batch == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *BatchHandler) ListLocked(c *fiber.Ctx) error {
	locks, err := h.service.ListLocked(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]lockResponse, 0, len(locks))
	for _, l := range locks {
		items = append(items, lockResponse{
			BatchID:   l.BatchID,
			UID:       l.UID,
			Status:    l.Status.String(),
			LockedBy:  l.LockedBy,
			LockedAt:  l.LockedAt,
			ExpiresAt: l.ExpiresAt,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": items,
	})
}

func (h *BatchHandler) SweepLocks(c *fiber.Ctx) error {
	swept, err := h.service.SweepLocks(requestContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"swept": swept,
	})
}

func parseBatchListParams(c *fiber.Ctx) (repository.BatchListParams, error) {
	params := repository.BatchListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
		SortBy:   strings.TrimSpace(c.Query("sortBy")),
	}

	if params.Page < 1 {
		return repository.BatchListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.BatchListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseBatchStatusFromString(rawStatus)
		if err != nil {
			return repository.BatchListParams{}, err
		}
		params.Status = &status
	}

	switch strings.ToLower(strings.TrimSpace(c.Query("order"))) {
	case "", "asc":
	case "desc":
		params.SortDesc = true
	default:
		return repository.BatchListParams{}, fmt.Errorf("%w: order must be asc or desc", domain.ErrValidation)
	}

	return params, nil
}

// requestContext carries the request id into service calls.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestID(c); id != "" {
		ctx = observability.WithRequestID(ctx, id)
	}
	return ctx
}

func requestID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toBatchResponse(b *domain.Batch) batchResponse {
	if b == nil {
		return batchResponse{}
	}

	return batchResponse{
		ID:                      b.ID,
		UID:                     b.UID,
		Status:                  b.Status.String(),
		TotalTrades:             b.TotalTrades,
		ProcessedTrades:         b.ProcessedTrades,
		FailedTrades:            b.FailedTrades,
		ProgressPercent:         domain.ProgressPercent(b.TotalTrades, b.ProcessedTrades),
		Priority:                b.Priority,
		QueuePosition:           b.QueuePosition,
		MaxConcurrentTrades:     b.MaxConcurrentTrades,
		CurrentConcurrentTrades: b.CurrentConcurrentTrades,
		LockedBy:                b.LockedBy,
		LockExpiresAt:           b.LockExpiresAt,
		StartedAt:               b.StartedAt,
		CompletedAt:             b.CompletedAt,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
}

func toTradeResponses(trades []domain.Trade) []tradeResponse {
	responses := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		responses = append(responses, tradeResponse{
			ID:            t.ID,
			BatchID:       t.BatchID,
			ClientID:      t.ClientID,
			AmountZAR:     t.AmountZAR,
			Status:        t.Status.String(),
			StatusMessage: t.StatusMessage,
			QuoteID:       t.QuoteID,
			QuoteRate:     t.QuoteRate,
			SettlementID:  t.SettlementID,
			SettlementRef: t.SettlementRef,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.UpdatedAt,
		})
	}
	return responses
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownStatus):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
