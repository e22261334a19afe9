package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenlight-erp/greenlight/internal/money"
	"github.com/greenlight-erp/greenlight/internal/platform/httpx"
)

// Handler exposes read access to sub-account balances.
type Handler struct {
	logger *slog.Logger
	store  Store
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, store Store) *Handler {
	return &Handler{logger: logger, store: store}
}

// MountRoutes registers ledger routes under a project scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sub-accounts", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/{subAccountID}", h.handleGet)
	})
}

type subAccountResponse struct {
	ProjectID    string    `json:"projectId"`
	AccountID    string    `json:"accountId"`
	SubAccountID string    `json:"subAccountId"`
	Name         string    `json:"name"`
	Budgeted     string    `json:"budgeted"`
	Committed    string    `json:"committed"`
	Actual       string    `json:"actual"`
	Available    string    `json:"available"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toSubAccountResponse(sa SubAccount) subAccountResponse {
	available := sa.Budgeted.Sub(sa.Committed).Sub(sa.Actual)
	return subAccountResponse{
		ProjectID:    sa.ProjectID,
		AccountID:    sa.AccountID,
		SubAccountID: sa.SubAccountID,
		Name:         sa.Name,
		Budgeted:     sa.Budgeted.StringFixed(money.Scale),
		Committed:    sa.Committed.StringFixed(money.Scale),
		Actual:       sa.Actual.StringFixed(money.Scale),
		Available:    available.StringFixed(money.Scale),
		UpdatedAt:    sa.UpdatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	accounts, err := h.store.ListByProject(r.Context(), projectID)
	if err != nil {
		h.logger.Error("list sub-accounts", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	items := make([]subAccountResponse, 0, len(accounts))
	for _, sa := range accounts {
		items = append(items, toSubAccountResponse(sa))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sa, err := h.store.Get(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "subAccountID"))
	if err != nil {
		if errors.Is(err, ErrSubAccountNotFound) {
			httpx.RespondError(w, httpx.ErrNotFound)
			return
		}
		h.logger.Error("get sub-account", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, toSubAccountResponse(sa))
}
