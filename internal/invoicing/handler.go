package invoicing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/greenlight-erp/greenlight/internal/identity"
	"github.com/greenlight-erp/greenlight/internal/money"
	"github.com/greenlight-erp/greenlight/internal/platform/httpx"
	"github.com/greenlight-erp/greenlight/internal/shared"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers invoice routes under a project scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{invoiceID}", h.handleGet)
		r.Put("/{invoiceID}", h.handleUpdate)
		r.Delete("/{invoiceID}", h.handleDelete)
		r.Post("/{invoiceID}/approve", h.handleApprove)
		r.Post("/{invoiceID}/reject", h.handleReject)
		r.Post("/{invoiceID}/pay", h.handlePay)
		r.Post("/{invoiceID}/cancel", h.handleCancel)
	})
}

type lineItemRequest struct {
	Description  string  `json:"description"`
	SubAccountID string  `json:"subAccountId" validate:"required"`
	Quantity     float64 `json:"quantity" validate:"gt=0"`
	UnitPrice    float64 `json:"unitPrice" validate:"gte=0"`
	VATRate      float64 `json:"vatRate" validate:"gte=0,lte=100"`
	IRPFRate     float64 `json:"irpfRate" validate:"gte=0,lte=100"`
}

type createInvoiceRequest struct {
	Number     string            `json:"number"`
	SupplierID string            `json:"supplierId"`
	POID       string            `json:"poId"`
	IssueDate  time.Time         `json:"issueDate"`
	DueDate    time.Time         `json:"dueDate"`
	Items      []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

type updateInvoiceRequest struct {
	Items []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

type cancelRequest struct {
	Password string `json:"password"`
	Reason   string `json:"reason" validate:"required"`
}

type lineItemResponse struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	SubAccountID string `json:"subAccountId"`
	Quantity     string `json:"quantity"`
	UnitPrice    string `json:"unitPrice"`
	BaseAmount   string `json:"baseAmount"`
	VATRate      string `json:"vatRate"`
	IRPFRate     string `json:"irpfRate"`
	VATAmount    string `json:"vatAmount"`
	IRPFAmount   string `json:"irpfAmount"`
	TotalAmount  string `json:"totalAmount"`
}

type invoiceResponse struct {
	ID           string             `json:"id"`
	Number       string             `json:"number"`
	ProjectID    string             `json:"projectId"`
	SupplierID   string             `json:"supplierId"`
	POID         string             `json:"poId,omitempty"`
	Status       Status             `json:"status"`
	Items        []lineItemResponse `json:"items"`
	BaseAmount   string             `json:"baseAmount"`
	VATAmount    string             `json:"vatAmount"`
	IRPFAmount   string             `json:"irpfAmount"`
	TotalAmount  string             `json:"totalAmount"`
	IssueDate    time.Time          `json:"issueDate"`
	DueDate      time.Time          `json:"dueDate"`
	PaidAt       *time.Time         `json:"paidAt,omitempty"`
	CancelReason string             `json:"cancelReason,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

func toInvoiceResponse(inv Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:           inv.ID,
		Number:       inv.Number,
		ProjectID:    inv.ProjectID,
		SupplierID:   inv.SupplierID,
		POID:         inv.POID,
		Status:       inv.Status,
		BaseAmount:   inv.BaseAmount.StringFixed(money.Scale),
		VATAmount:    inv.VATAmount.StringFixed(money.Scale),
		IRPFAmount:   inv.IRPFAmount.StringFixed(money.Scale),
		TotalAmount:  inv.TotalAmount.StringFixed(money.Scale),
		IssueDate:    inv.IssueDate,
		DueDate:      inv.DueDate,
		CancelReason: inv.CancelReason,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
	if !inv.PaidAt.IsZero() {
		paidAt := inv.PaidAt
		resp.PaidAt = &paidAt
	}
	for _, item := range inv.Items {
		resp.Items = append(resp.Items, lineItemResponse{
			ID:           item.ID,
			Description:  item.Description,
			SubAccountID: item.SubAccountID,
			Quantity:     item.Quantity.String(),
			UnitPrice:    item.UnitPrice.StringFixed(money.Scale),
			BaseAmount:   item.BaseAmount.StringFixed(money.Scale),
			VATRate:      item.VATRate.String(),
			IRPFRate:     item.IRPFRate.String(),
			VATAmount:    item.VATAmount.StringFixed(money.Scale),
			IRPFAmount:   item.IRPFAmount.StringFixed(money.Scale),
			TotalAmount:  item.TotalAmount.StringFixed(money.Scale),
		})
	}
	return resp
}

func toItemInputs(reqs []lineItemRequest) []LineItemInput {
	inputs := make([]LineItemInput, 0, len(reqs))
	for _, req := range reqs {
		inputs = append(inputs, LineItemInput{
			Description:  req.Description,
			SubAccountID: req.SubAccountID,
			Quantity:     decimal.NewFromFloat(req.Quantity),
			UnitPrice:    money.FromFloat(req.UnitPrice),
			VATRate:      decimal.NewFromFloat(req.VATRate),
			IRPFRate:     decimal.NewFromFloat(req.IRPFRate),
		})
	}
	return inputs
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	filters := ListFilters{
		Status:     r.URL.Query().Get("status"),
		SupplierID: r.URL.Query().Get("supplier_id"),
		POID:       r.URL.Query().Get("po_id"),
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDir:    r.URL.Query().Get("dir"),
	}
	items, total, err := h.service.List(r.Context(), projectID, limit, offset, filters)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.Create(r.Context(), CreateInvoiceInput{
		Number:     req.Number,
		ProjectID:  chi.URLParam(r, "projectID"),
		SupplierID: req.SupplierID,
		POID:       req.POID,
		IssueDate:  req.IssueDate,
		DueDate:    req.DueDate,
		Items:      toItemInputs(req.Items),
	}, user.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req updateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv, err := h.service.UpdatePending(r.Context(), chi.URLParam(r, "invoiceID"), toItemInputs(req.Items), user.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "invoiceID"), user.ID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Approve(r.Context(), chi.URLParam(r, "invoiceID"), userID)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Reject(r.Context(), chi.URLParam(r, "invoiceID"), userID)
	})
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Pay(r.Context(), chi.URLParam(r, "invoiceID"), userID)
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err := h.service.Cancel(r.Context(), chi.URLParam(r, "invoiceID"), Credential{UserID: user.ID, Password: req.Password}, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(StatusCancelled)})
}

func (h *Handler) statusTransition(w http.ResponseWriter, r *http.Request, fn func(userID string) error) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := fn(user.ID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrInvalidState):
		httpx.RespondError(w, httpx.ErrInvalidState)
	case errors.Is(err, ErrValidation), errors.Is(err, ErrReasonRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateNumber):
		httpx.RespondError(w, httpx.ErrDuplicate)
	case errors.Is(err, identity.ErrReauthFailed):
		httpx.Problem(w, http.StatusForbidden, "Re-authentication Failed", "password challenge failed")
	case errors.Is(err, identity.ErrReauthLocked):
		httpx.Problem(w, http.StatusTooManyRequests, "Re-authentication Locked", "too many failed attempts")
	default:
		h.logger.Error("invoice request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
