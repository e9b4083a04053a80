package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/rentalpos/rentalpos/internal/platform/httpx"
	"github.com/rentalpos/rentalpos/internal/shared"
)

// RepairScheduler hands bulk repairs to the background worker.
type RepairScheduler interface {
	ScheduleRepairMismatched(ctx context.Context) (string, error)
}

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	scheduler RepairScheduler
	validator *validator.Validate
}

// NewHandler constructs stock handler. scheduler may be nil, in which case
// bulk repairs run inline.
func NewHandler(logger *slog.Logger, service *Service, scheduler RepairScheduler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, scheduler: scheduler, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleRecordMovement)
	r.Delete("/movements/{id}", h.handleUndoMovement)

	r.Post("/receipts", h.handleReceipt)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/rentals/checkout", h.handleTransaction(h.service.RentalCheckout))
	r.Post("/rentals/return", h.handleTransaction(h.service.RentalReturn))
	r.Post("/rentals/cancel", h.handleTransaction(h.service.RentalCancellation))
	r.Post("/sales/checkout", h.handleTransaction(h.service.SaleCheckout))
	r.Post("/sales/cancel", h.handleTransaction(h.service.SaleCancellation))

	r.Route("/bundles/{id}", func(r chi.Router) {
		r.Post("/assemble", h.handleAssemble)
		r.Get("/composition", h.handleGetComposition)
		r.Put("/composition", h.handleSetComposition)
	})

	r.Get("/products/{type}/{id}", h.handleProduct)
	r.Post("/products/{type}/{id}/repair", h.handleRepairProduct)
	r.Get("/mismatches", h.handleMismatches)

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(2, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "bulk repair already requested recently")
			}),
		))
		r.Post("/repairs", h.handleRepairAll)
	})
}

type movementRequest struct {
	ProductRef
	MovementType  string `json:"movement_type" validate:"required,oneof=IN OUT"`
	ReferenceType string `json:"reference_type" validate:"required,max=64"`
	ReferenceID   string `json:"reference_id" validate:"max=128"`
	Quantity      int64  `json:"quantity" validate:"required,gt=0"`
	UserID        int64  `json:"user_id" validate:"gte=0"`
	Notes         string `json:"notes" validate:"max=1000"`
}

type receiptRequest struct {
	ProductRef
	Quantity    int64  `json:"quantity" validate:"required,gt=0"`
	ReferenceID string `json:"reference_id" validate:"max=128"`
	UserID      int64  `json:"user_id" validate:"gte=0"`
	Notes       string `json:"notes" validate:"max=1000"`
}

type adjustmentRequest struct {
	ProductRef
	Delta  int64  `json:"delta" validate:"required,ne=0"`
	UserID int64  `json:"user_id" validate:"gte=0"`
	Notes  string `json:"notes" validate:"max=1000"`
}

type lineRequest struct {
	ProductRef
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type transactionRequest struct {
	TransactionID string        `json:"transaction_id" validate:"required,max=128"`
	Lines         []lineRequest `json:"lines" validate:"required,min=1,dive"`
	UserID        int64         `json:"user_id" validate:"gte=0"`
	Notes         string        `json:"notes" validate:"max=1000"`
}

type assembleRequest struct {
	Quantity      int64  `json:"quantity" validate:"required,gt=0"`
	ReferenceType string `json:"reference_type" validate:"omitempty,oneof=stock_receipt stock_adjustment"`
	ReferenceID   string `json:"reference_id" validate:"max=128"`
	UserID        int64  `json:"user_id" validate:"gte=0"`
	Notes         string `json:"notes" validate:"max=1000"`
}

type compositionRequest struct {
	Lines  []compositionLineRequest `json:"lines" validate:"required,min=1,dive"`
	UserID int64                    `json:"user_id" validate:"gte=0"`
}

type compositionLineRequest struct {
	ItemID      int64 `json:"item_id" validate:"gte=0"`
	AccessoryID int64 `json:"accessory_id" validate:"gte=0"`
	Quantity    int64 `json:"quantity" validate:"required,gt=0"`
}

type productResponse struct {
	Consistency ConsistencyReport `json:"consistency"`
	Movements   []Movement        `json:"movements"`
	Ceiling     *Ceiling          `json:"ceiling,omitempty"`
}

type insufficientProblem struct {
	httpx.ProblemDetail
	Requested  int64      `json:"requested"`
	Available  int64      `json:"available"`
	Limit      int64      `json:"limit"`
	Constraint *ProductRef `json:"constraint,omitempty"`
}

func (h *Handler) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if !h.decode(w, r, &req) {
		return
	}
	cause, err := ParseCause(req.ReferenceType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	mv, err := h.service.RecordMovement(r.Context(), MovementInput{
		Product:     req.ProductRef,
		Type:        MovementType(req.MovementType),
		Cause:       cause,
		ReferenceID: req.ReferenceID,
		Quantity:    req.Quantity,
		UserID:      actor(r, req.UserID),
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mv)
}

func (h *Handler) handleUndoMovement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, validationf("invalid movement id"))
		return
	}
	counters, err := h.service.UndoMovement(r.Context(), id, actor(r, 0))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, counters)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.PostReceipt(r.Context(), ReceiptInput{
		Product:     req.ProductRef,
		Quantity:    req.Quantity,
		ReferenceID: req.ReferenceID,
		UserID:      actor(r, req.UserID),
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		Product: req.ProductRef,
		Delta:   req.Delta,
		UserID:  actor(r, req.UserID),
		Notes:   req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleTransaction(post func(context.Context, TransactionInput) (PostingResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transactionRequest
		if !h.decode(w, r, &req) {
			return
		}
		in := TransactionInput{TransactionID: req.TransactionID, UserID: actor(r, req.UserID), Notes: req.Notes}
		for _, line := range req.Lines {
			in.Lines = append(in.Lines, LineInput{Product: line.ProductRef, Quantity: line.Quantity})
		}
		result, err := post(r.Context(), in)
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, result)
	}
}

func (h *Handler) handleAssemble(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assembleRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.IncreaseBundleStock(r.Context(), BundleIncrease{
		BundleID:    bundleID,
		Quantity:    req.Quantity,
		UserID:      actor(r, req.UserID),
		Notes:       req.Notes,
		Cause:       Cause(req.ReferenceType),
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetComposition(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	lines, err := h.service.Composition(r.Context(), bundleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bundle_id": bundleID, "lines": lines})
}

func (h *Handler) handleSetComposition(w http.ResponseWriter, r *http.Request) {
	bundleID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req compositionRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines := make([]CompositionLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, CompositionLine{BundleID: bundleID, ItemID: line.ItemID, AccessoryID: line.AccessoryID, Quantity: line.Quantity})
	}
	if err := h.service.SetComposition(r.Context(), bundleID, lines, actor(r, req.UserID)); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bundle_id": bundleID, "lines": lines})
}

func (h *Handler) handleProduct(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.pathProduct(w, r)
	if !ok {
		return
	}
	var resp productResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		report, err := h.service.ValidateConsistency(ctx, ref)
		resp.Consistency = report
		return err
	})
	g.Go(func() error {
		movements, err := h.service.ListMovements(ctx, ref, 50)
		resp.Movements = movements
		return err
	})
	if ref.Type() == ProductBundle {
		g.Go(func() error {
			ceiling, err := h.service.MaxAssemblable(ctx, ref.BundleID)
			if errors.Is(err, ErrValidation) {
				// bundles without a composition have no ceiling yet
				return nil
			}
			if err == nil {
				resp.Ceiling = &ceiling
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRepairProduct(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.pathProduct(w, r)
	if !ok {
		return
	}
	result, err := h.service.RepairProduct(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleMismatches(w http.ResponseWriter, r *http.Request) {
	reports, err := h.service.MismatchedProducts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"count": len(reports), "products": reports})
}

func (h *Handler) handleRepairAll(w http.ResponseWriter, r *http.Request) {
	if h.scheduler != nil {
		taskID, err := h.scheduler.ScheduleRepairMismatched(r.Context())
		if err != nil {
			h.logger.Error("schedule bulk repair", slog.Any("error", err))
			h.writeError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
		return
	}
	results, err := h.service.RepairMismatched(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

// actor prefers the user id in the payload and falls back to the caller
// identified by the request middleware.
func actor(r *http.Request, userID int64) int64 {
	if userID > 0 {
		return userID
	}
	return shared.ActorFromContext(r.Context())
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, validationf("invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (h *Handler) pathProduct(w http.ResponseWriter, r *http.Request) (ProductRef, bool) {
	id, ok := h.pathID(w, r)
	if !ok {
		return ProductRef{}, false
	}
	ref, err := NewProductRef(ProductType(chi.URLParam(r, "type")), id)
	if err != nil {
		h.writeError(w, err)
		return ProductRef{}, false
	}
	return ref, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		problem := insufficientProblem{
			ProblemDetail: httpx.ProblemDetail{Title: "Insufficient Stock", Status: http.StatusConflict, Detail: err.Error()},
			Requested:     insufficient.Requested,
			Available:     insufficient.Available,
			Limit:         insufficient.Limit,
		}
		if insufficient.Constraint.Type() != "" {
			constraint := insufficient.Constraint
			problem.Constraint = &constraint
		}
		httpx.JSON(w, http.StatusConflict, problem)
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrDuplicateReceipt):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	default:
		h.logger.Error("stock request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
