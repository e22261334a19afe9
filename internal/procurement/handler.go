package procurement

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

// Handler manages purchase order endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers purchase order routes under a project scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{poID}", h.handleGet)
		r.Put("/{poID}", h.handleUpdateDraft)
		r.Post("/{poID}/submit", h.handleSubmit)
		r.Post("/{poID}/approve", h.handleApprove)
		r.Post("/{poID}/reject", h.handleReject)
		r.Post("/{poID}/close", h.handleClose)
		r.Post("/{poID}/reopen", h.handleReopen)
		r.Post("/{poID}/cancel", h.handleCancel)
		r.Post("/{poID}/modify", h.handleModify)
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

type createPORequest struct {
	Number     string            `json:"number"`
	SupplierID string            `json:"supplierId"`
	Items      []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

type updatePORequest struct {
	Items []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

type reauthRequest struct {
	Password string `json:"password" validate:"required"`
}

type cancelRequest struct {
	Password string `json:"password" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

type modifyRequest struct {
	Reason string `json:"reason" validate:"required"`
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

type modificationResponse struct {
	PreviousVersion int       `json:"previousVersion"`
	Reason          string    `json:"reason"`
	UserID          string    `json:"userId"`
	Date            time.Time `json:"date"`
}

type poResponse struct {
	ID              string                 `json:"id"`
	Number          string                 `json:"number"`
	ProjectID       string                 `json:"projectId"`
	SupplierID      string                 `json:"supplierId"`
	Version         int                    `json:"version"`
	Status          Status                 `json:"status"`
	Items           []lineItemResponse     `json:"items"`
	BaseAmount      string                 `json:"baseAmount"`
	VATAmount       string                 `json:"vatAmount"`
	IRPFAmount      string                 `json:"irpfAmount"`
	TotalAmount     string                 `json:"totalAmount"`
	InvoicedAmount  string                 `json:"invoicedAmount"`
	RemainingAmount string                 `json:"remainingAmount"`
	CancelReason    string                 `json:"cancelReason,omitempty"`
	History         []modificationResponse `json:"modificationHistory,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

func toPOResponse(po PurchaseOrder) poResponse {
	resp := poResponse{
		ID:              po.ID,
		Number:          po.Number,
		ProjectID:       po.ProjectID,
		SupplierID:      po.SupplierID,
		Version:         po.Version,
		Status:          po.Status,
		BaseAmount:      po.BaseAmount.StringFixed(money.Scale),
		VATAmount:       po.VATAmount.StringFixed(money.Scale),
		IRPFAmount:      po.IRPFAmount.StringFixed(money.Scale),
		TotalAmount:     po.TotalAmount.StringFixed(money.Scale),
		InvoicedAmount:  po.InvoicedAmount.StringFixed(money.Scale),
		RemainingAmount: po.RemainingAmount.StringFixed(money.Scale),
		CancelReason:    po.CancelReason,
		CreatedAt:       po.CreatedAt,
		UpdatedAt:       po.UpdatedAt,
	}
	for _, item := range po.Items {
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
	for _, entry := range po.History {
		resp.History = append(resp.History, modificationResponse{
			PreviousVersion: entry.PreviousVersion,
			Reason:          entry.Reason,
			UserID:          entry.UserID,
			Date:            entry.Date,
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
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDir:    r.URL.Query().Get("dir"),
	}
	items, total, err := h.service.List(r.Context(), projectID, limit, offset, filters)
	if err != nil {
		h.logger.Error("list purchase orders", slog.Any("error", err))
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
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	po, err := h.service.Create(r.Context(), CreatePOInput{
		Number:     req.Number,
		ProjectID:  chi.URLParam(r, "projectID"),
		SupplierID: req.SupplierID,
		Items:      toItemInputs(req.Items),
	}, user.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	po, err := h.service.Get(r.Context(), chi.URLParam(r, "poID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req updatePORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	po, err := h.service.UpdateDraft(r.Context(), chi.URLParam(r, "poID"), toItemInputs(req.Items), user.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Submit(r.Context(), chi.URLParam(r, "poID"), userID)
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Approve(r.Context(), chi.URLParam(r, "poID"), userID)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.statusTransition(w, r, func(userID string) error {
		return h.service.Reject(r.Context(), chi.URLParam(r, "poID"), userID)
	})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	h.guardedTransition(w, r, func(cred Credential) error {
		return h.service.Close(r.Context(), chi.URLParam(r, "poID"), cred)
	})
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	h.guardedTransition(w, r, func(cred Credential) error {
		return h.service.Reopen(r.Context(), chi.URLParam(r, "poID"), cred)
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
	err := h.service.Cancel(r.Context(), chi.URLParam(r, "poID"), Credential{UserID: user.ID, Password: req.Password}, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(StatusCancelled)})
}

func (h *Handler) handleModify(w http.ResponseWriter, r *http.Request) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req modifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Modify(r.Context(), chi.URLParam(r, "poID"), user.ID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(StatusDraft)})
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

func (h *Handler) guardedTransition(w http.ResponseWriter, r *http.Request, fn func(cred Credential) error) {
	user, ok := shared.UserFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req reauthRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := fn(Credential{UserID: user.ID, Password: req.Password}); err != nil {
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
		h.logger.Error("purchase order request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
