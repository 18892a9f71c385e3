package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/idempotency"
	"github.com/egannguyen/storefront/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"

	maxBodyBytes = 1 << 20
)

// Handler handles HTTP requests for the application.
type Handler struct {
	orderSvc   *service.OrderService
	statusSvc  *service.StatusService
	invoiceSvc *service.InvoiceService
	stockSvc   *service.StockService
	idem       idempotency.Store
}

func NewHandler(
	orderSvc *service.OrderService,
	statusSvc *service.StatusService,
	invoiceSvc *service.InvoiceService,
	stockSvc *service.StockService,
	idem idempotency.Store,
) *Handler {
	return &Handler{
		orderSvc:   orderSvc,
		statusSvc:  statusSvc,
		invoiceSvc: invoiceSvc,
		stockSvc:   stockSvc,
		idem:       idem,
	}
}

// Routes builds the API router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(EnableCORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.handleGetProducts)
		r.Get("/products/{id}/adjustments", h.handleGetAdjustments)
		r.Post("/products/{id}/adjustments", h.handleAdjustStock)

		r.Get("/orders", h.handleGetOrders)
		r.Post("/orders/{channel}", h.handleCreateOrder)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Patch("/orders/{id}/status", h.handleSetStatus)
		r.Post("/orders/{id}/payment", h.handleRecordPayment)
		r.Post("/orders/{id}/invoice", h.handleEnsureInvoice)
	})
	return r
}

func (h *Handler) handleGetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.orderSvc.GetProducts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]ProductResponse, len(products))
	for i, p := range products {
		out[i] = mapProduct(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders, err := h.orderSvc.GetRecentOrders(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]OrderResponse, len(orders))
	for i := range orders {
		out[i] = mapOrder(&orders[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	channel := entity.Channel(strings.ToUpper(chi.URLParam(r, "channel")))
	if !channel.Valid() {
		writeError(w, http.StatusNotFound, string(entity.CodeNotFound), "unknown order channel")
		return
	}

	var req PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := h.toCommand(channel, &req, actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var key string
	if k := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); k != "" && h.idem != nil {
		key = string(channel) + ":" + k
		orderID, err := h.idem.Reserve(r.Context(), key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			writeError(w, http.StatusConflict, "DUPLICATE_REQUEST", "a request with this idempotency key is still in progress")
			return
		case err != nil:
			slog.ErrorContext(r.Context(), "Idempotency store unavailable, placing without replay protection", "err", err)
			key = ""
		case orderID != "":
			h.replay(w, r, orderID)
			return
		}
	}

	order, err := h.orderSvc.PlaceOrder(r.Context(), cmd)
	if key != "" {
		h.settleKey(r, key, order, err)
	}
	h.writePlaced(w, r, order, err)
}

// settleKey outlives the request: a client that hangs up mid-commit must
// still find the key settled when it retries.
func (h *Handler) settleKey(r *http.Request, key string, order *entity.Order, placeErr error) {
	ctx := context.WithoutCancel(r.Context())
	if placeErr != nil {
		if err := h.idem.Abandon(ctx, key); err != nil {
			slog.ErrorContext(ctx, "Failed to release idempotency key", "key", key, "err", err)
		}
		return
	}
	if err := h.idem.Complete(ctx, key, order.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to store idempotency result", "key", key, "order_id", order.ID, "err", err)
	}
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.orderSvc.GetOrder(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set(HeaderReplayed, "true")
	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) writePlaced(w http.ResponseWriter, r *http.Request, order *entity.Order, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+order.ID)
	writeJSON(w, http.StatusCreated, mapOrder(order))
}

func (h *Handler) toCommand(channel entity.Channel, req *PlaceOrderRequest, actor entity.Actor) (*entity.PlaceOrder, error) {
	cart := entity.NewCart()
	for i, item := range req.Items {
		if err := cart.Add(strings.TrimSpace(item.ProductID), item.Quantity); err != nil {
			return nil, entity.InvalidRequest("item %d: %v", i, err)
		}
	}

	cmd := &entity.PlaceOrder{
		Channel:       channel,
		Customer:      req.Customer,
		Items:         cart.Lines(),
		PriceTier:     req.PriceTier,
		PaymentMethod: req.PaymentMethod,
		CreatedBy:     actor,
	}

	if req.Discount != "" {
		d, err := decimal.NewFromString(req.Discount)
		if err != nil {
			return nil, entity.InvalidRequest("discount %q is not a number", req.Discount)
		}
		cmd.Discount = d
	}
	if req.Tax != nil {
		cmd.TaxPolicy = entity.TaxPolicy{Kind: req.Tax.Kind, Applied: req.Tax.Applied}
		if req.Tax.Rate != "" {
			rate, err := decimal.NewFromString(req.Tax.Rate)
			if err != nil {
				return nil, entity.InvalidRequest("tax rate %q is not a number", req.Tax.Rate)
			}
			cmd.TaxPolicy.Rate = rate
		}
	}

	if cmd.CreatedBy.ID == "" {
		switch {
		case req.Customer.AccountID != "":
			cmd.CreatedBy = entity.Actor{ID: req.Customer.AccountID, Role: entity.RoleCustomer}
		default:
			cmd.CreatedBy = entity.Actor{ID: "guest", Role: entity.RoleCustomer}
		}
	}
	return cmd, nil
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := actorFrom(r)
	if actor.ID == "" {
		writeError(w, http.StatusBadRequest, string(entity.CodeInvalidRequest), HeaderActorID+" header is required")
		return
	}
	tr, err := h.statusSvc.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, actor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTransition(tr))
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.statusSvc.RecordPayment(r.Context(), chi.URLParam(r, "id"), service.PaymentUpdate{
		Status:    req.Status,
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapOrder(order))
}

func (h *Handler) handleEnsureInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.invoiceSvc.EnsureInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.stockSvc.AdjustStock(r.Context(), service.Adjustment{
		ProductID: chi.URLParam(r, "id"),
		Delta:     req.Delta,
		Reason:    req.Reason,
		Note:      req.Note,
		Actor:     actorFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGetAdjustments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.stockSvc.AdjustmentHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []entity.StockAdjustment{}
	}
	writeJSON(w, http.StatusOK, history)
}

// actorFrom reads the caller identity set by the authenticating proxy.
func actorFrom(r *http.Request) entity.Actor {
	role := entity.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
	if role == "" {
		role = entity.RoleStaff
	}
	return entity.Actor{ID: strings.TrimSpace(r.Header.Get(HeaderActorID)), Role: role}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(entity.CodeInvalidRequest), "invalid request body: "+err.Error())
		return false
	}
	return true
}

// EnableCORS is a middleware to allow the React frontend to connect.
func EnableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderIdempotencyKey+", "+HeaderActorID+", "+HeaderActorRole)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
