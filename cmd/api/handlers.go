package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"escrowflow/auth"
	"escrowflow/catalog"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// EscrowService is the slice of escrow.Service the handlers need.
type EscrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Record, error)
	ConfirmReceipt(ctx context.Context, escrowID, buyerID string) (escrow.Record, error)
	Get(ctx context.Context, id string) (escrow.Record, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]escrow.Record, error)
}

// DisputeService is the slice of dispute.Service the handlers need.
type DisputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
	ListForEscrow(ctx context.Context, escrowID string) ([]dispute.Record, error)
	ListForComplainant(ctx context.Context, complainantID string) ([]dispute.Record, error)
	ListUnresolved(ctx context.Context) ([]dispute.Record, error)
}

// AuthService is the slice of auth.Service the handlers need.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// ProductService is the slice of catalog.Service the handlers need.
type ProductService interface {
	GetByID(ctx context.Context, id string) (catalog.Product, error)
	List(ctx context.Context, limit int) ([]catalog.Product, error)
}

// API bundles the services behind the HTTP surface.
type API struct {
	escrows  EscrowService
	disputes DisputeService
	accounts AuthService
	products ProductService
}

func NewAPI(escrows EscrowService, disputes DisputeService, accounts AuthService, products ProductService) *API {
	return &API{
		escrows:  escrows,
		disputes: disputes,
		accounts: accounts,
		products: products,
	}
}

// Routes assembles the full request mux.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", a.handleRegister)
	mux.HandleFunc("POST /api/login", a.handleLogin)
	mux.HandleFunc("GET /api/products", a.handleListProducts)
	mux.HandleFunc("GET /api/products/{id}", a.handleGetProduct)

	mux.HandleFunc("POST /api/escrows", a.requireAuth(a.handleCreateEscrow))
	mux.HandleFunc("GET /api/escrows", a.requireAuth(a.handleListEscrows))
	mux.HandleFunc("GET /api/escrows/{id}", a.requireAuth(a.handleGetEscrow))
	mux.HandleFunc("POST /api/escrows/{id}/confirm", a.requireAuth(a.handleConfirmReceipt))
	mux.HandleFunc("POST /api/escrows/{id}/disputes", a.requireAuth(a.handleOpenDispute))
	mux.HandleFunc("GET /api/escrows/{id}/disputes", a.requireAuth(a.handleListEscrowDisputes))

	mux.HandleFunc("GET /api/disputes", a.requireAuth(a.handleListDisputes))
	mux.HandleFunc("GET /api/disputes/{id}", a.requireAuth(a.handleGetDispute))
	mux.HandleFunc("POST /api/disputes/{id}/resolve", a.requireAuth(a.handleResolveDispute))

	return mux
}

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// requireAuth resolves the acting user from the bearer token and stashes the
// verified identity in the request context.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := a.accounts.VerifyToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next(w, r.WithContext(ctx))
	}
}

func actingUser(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	role, _ := r.Context().Value(ctxRole).(auth.Role)
	return userID, role
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	// Admin accounts are provisioned out of band, never via the public API.
	if req.Role == auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "cannot self-register as admin")
		return
	}

	user, err := a.accounts.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := a.accounts.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	products, err := a.products.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]productResponse, 0, len(products))
	for _, p := range products {
		out = append(out, toProductResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	p, err := a.products.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(p))
}

type createEscrowRequest struct {
	SellerID  string  `json:"seller_id"`
	ProductID string  `json:"product_id"`
	Amount    float64 `json:"amount"`
}

func (a *API) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := actingUser(r)

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := a.escrows.Create(r.Context(), escrow.CreateParams{
		BuyerID:   buyerID,
		SellerID:  req.SellerID,
		ProductID: req.ProductID,
		Amount:    req.Amount,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(rec))
}

func (a *API) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	userID, _ := actingUser(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := a.escrows.ListForUser(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]escrowResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

func (a *API) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	rec, err := a.escrows.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

func (a *API) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	userID, _ := actingUser(r)
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	rec, err := a.escrows.ConfirmReceipt(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(rec))
}

type openDisputeRequest struct {
	Description string `json:"description"`
}

func (a *API) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := actingUser(r)
	escrowID := r.PathValue("id")
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := a.disputes.Open(r.Context(), dispute.OpenParams{
		EscrowID:      escrowID,
		ComplainantID: userID,
		Description:   req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (a *API) handleListEscrowDisputes(w http.ResponseWriter, r *http.Request) {
	escrowID := r.PathValue("id")
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	records, err := a.disputes.ListForEscrow(r.Context(), escrowID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": toDisputeResponses(records)})
}

func (a *API) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	userID, role := actingUser(r)

	var (
		records []dispute.Record
		err     error
	)
	if role == auth.RoleAdmin {
		records, err = a.disputes.ListUnresolved(r.Context())
	} else {
		records, err = a.disputes.ListForComplainant(r.Context(), userID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": toDisputeResponses(records)})
}

func (a *API) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing dispute id")
		return
	}

	rec, err := a.disputes.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type resolveDisputeRequest struct {
	Resolution   string `json:"resolution"`
	EscrowStatus string `json:"escrow_status"`
}

func (a *API) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	adminID, role := actingUser(r)
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only admins can resolve disputes")
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing dispute id")
		return
	}

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := a.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:    id,
		AdminID:      adminID,
		Resolution:   req.Resolution,
		EscrowStatus: req.EscrowStatus,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type userResponse struct {
	ID              string  `json:"id"`
	Username        string  `json:"username"`
	Email           string  `json:"email"`
	Role            string  `json:"role"`
	ReputationScore float64 `json:"reputation_score"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		Role:            string(u.Role),
		ReputationScore: u.ReputationScore,
	}
}

type productResponse struct {
	ID          string  `json:"id"`
	SellerID    string  `json:"seller_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Category    string  `json:"category"`
	Stock       int     `json:"stock"`
}

func toProductResponse(p catalog.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		SellerID:    p.SellerID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Category:    p.Category,
		Stock:       p.Stock,
	}
}

type escrowResponse struct {
	ID          string     `json:"id"`
	BuyerID     string     `json:"buyer_id"`
	SellerID    string     `json:"seller_id"`
	ProductID   string     `json:"product_id"`
	Amount      float64    `json:"amount"`
	Status      string     `json:"status"`
	ReleaseTime time.Time  `json:"release_time"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func toEscrowResponse(rec escrow.Record) escrowResponse {
	return escrowResponse{
		ID:          rec.ID,
		BuyerID:     rec.BuyerID,
		SellerID:    rec.SellerID,
		ProductID:   rec.ProductID,
		Amount:      rec.Amount,
		Status:      string(rec.Status),
		ReleaseTime: rec.ReleaseTime,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

type disputeResponse struct {
	ID            string     `json:"id"`
	EscrowID      string     `json:"escrow_id"`
	ComplainantID string     `json:"complainant_id"`
	Description   string     `json:"description"`
	Status        string     `json:"status"`
	Resolution    *string    `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:            rec.ID,
		EscrowID:      rec.EscrowID,
		ComplainantID: rec.ComplainantID,
		Description:   rec.Description,
		Status:        string(rec.Status),
		Resolution:    rec.Resolution,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func toDisputeResponses(records []dispute.Record) []disputeResponse {
	out := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toDisputeResponse(rec))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrPartyNotFound),
		errors.Is(err, escrow.ErrProductNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrEscrowNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrNotPending),
		errors.Is(err, dispute.ErrEmptyDescription),
		errors.Is(err, dispute.ErrEmptyResolution),
		errors.Is(err, dispute.ErrBadTargetStatus),
		errors.Is(err, dispute.ErrEscrowNotPending),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, auth.ErrDuplicateUser):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
