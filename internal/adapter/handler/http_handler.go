package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/core/service"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

// PersonaHeader carries the acting persona ("Character:<uuid>") on every
// request from the game bridge.
const PersonaHeader = "X-Persona"

type HTTPHandler struct {
	stalls    *service.StallService
	claims    *service.ClaimFlow
	lockup    *service.LockupService
	purse     port.GoldPurse
	recipient port.ItemRecipient
}

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// ResultEnvelope mirrors service.Result on the wire. Business failures use
// a non-2xx status but keep the same shape.
type ResultEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type OpenClaimHTTPRequest struct {
	CharacterID  string `json:"character_id"`
	DisplayName  string `json:"display_name"`
	AreaResRef   string `json:"area_resref" binding:"required"`
	PlaceableTag string `json:"placeable_tag" binding:"required"`
}

type ConfirmClaimHTTPRequest struct {
	Method string `json:"method" binding:"required"`
}

type ListProductHTTPRequest struct {
	ResRef               string `json:"resref" binding:"required"`
	Name                 string `json:"name" binding:"required"`
	OriginalName         string `json:"original_name"`
	Price                int64  `json:"price"`
	Quantity             int    `json:"quantity"`
	ConsignorDisplayName string `json:"consignor_display_name"`
	SortOrder            int    `json:"sort_order"`
	ItemData             []byte `json:"item_data"`
}

type RepriceHTTPRequest struct {
	Price int64 `json:"price"`
}

type PurchaseHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type WithdrawHTTPRequest struct {
	Amount *int64 `json:"amount"`
}

type RentSettingsHTTPRequest struct {
	CoinhouseAccountID  string `json:"coinhouse_account_id"`
	HoldEarningsInStall bool   `json:"hold_earnings_in_stall"`
}

type AddMemberHTTPRequest struct {
	Persona              string `json:"persona" binding:"required"`
	DisplayName          string `json:"display_name"`
	CanManageInventory   bool   `json:"can_manage_inventory"`
	CanConfigureSettings bool   `json:"can_configure_settings"`
	CanCollectEarnings   bool   `json:"can_collect_earnings"`
}

type LockupReleaseHTTPRequest struct {
	AreaResRef string `json:"area_resref" binding:"required"`
}

func NewHTTPHandler(stalls *service.StallService, claims *service.ClaimFlow, lockup *service.LockupService, purse port.GoldPurse, recipient port.ItemRecipient) *HTTPHandler {
	return &HTTPHandler{
		stalls:    stalls,
		claims:    claims,
		lockup:    lockup,
		purse:     purse,
		recipient: recipient,
	}
}

// Register mounts the market API on r.
func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/stalls/:id", h.GetStall)
	api.POST("/stalls/:id/claim", h.OpenClaim)
	api.POST("/stalls/:id/release", h.ReleaseStall)
	api.POST("/stalls/:id/products", h.ListProduct)
	api.PATCH("/stalls/:id/products/:pid", h.RepriceProduct)
	api.POST("/stalls/:id/products/:pid/reclaim", h.ReclaimProduct)
	api.POST("/stalls/:id/products/:pid/purchase", h.Purchase)
	api.POST("/stalls/:id/withdraw", h.Withdraw)
	api.PUT("/stalls/:id/rent-settings", h.ConfigureRent)
	api.POST("/stalls/:id/members", h.AddMember)
	api.DELETE("/stalls/:id/members/:persona", h.RevokeMember)

	api.POST("/claims/confirm", h.ConfirmClaim)
	api.DELETE("/claims", h.CancelClaim)

	api.GET("/lockup", h.ListLockup)
	api.POST("/lockup/release", h.ReleaseLockup)
	api.POST("/lockup/:item/reclaim", h.ReclaimLockupItem)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /api/stalls/:id
func (h *HTTPHandler) GetStall(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	respond(c, h.stalls.GetStall(c.Request.Context(), id))
}

// POST /api/stalls/:id/claim
func (h *HTTPHandler) OpenClaim(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req OpenClaimHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}

	claimant := domain.OwnerIdentity{Persona: persona, DisplayName: req.DisplayName}
	if req.CharacterID != "" {
		charID, err := uuid.Parse(req.CharacterID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
			return
		}
		claimant.CharacterID = charID
	}

	offer, err := h.claims.Open(c.Request.Context(), service.ClaimRequest{
		Claimant:     claimant,
		StallID:      id,
		AreaResRef:   req.AreaResRef,
		PlaceableTag: req.PlaceableTag,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ResultEnvelope{Success: true, Data: offer})
}

// POST /api/claims/confirm
func (h *HTTPHandler) ConfirmClaim(c *gin.Context) {
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req ConfirmClaimHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	c.JSON(http.StatusOK, h.claims.Confirm(c.Request.Context(), persona, service.PaymentMethod(req.Method)))
}

// DELETE /api/claims
func (h *HTTPHandler) CancelClaim(c *gin.Context) {
	persona, ok := requestor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": h.claims.Cancel(persona)})
}

// POST /api/stalls/:id/release
func (h *HTTPHandler) ReleaseStall(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	respond(c, h.stalls.ReleaseStall(c.Request.Context(), id, persona))
}

// POST /api/stalls/:id/products
func (h *HTTPHandler) ListProduct(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req ListProductHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	respond(c, h.stalls.ListProduct(c.Request.Context(), service.ListProductRequest{
		StallID:   id,
		Requestor: persona,
		Descriptor: domain.ProductDescriptor{
			StallID:              id,
			ResRef:               req.ResRef,
			Name:                 req.Name,
			OriginalName:         req.OriginalName,
			Price:                domain.GoldAmount(req.Price),
			Quantity:             req.Quantity,
			ConsignorPersona:     persona,
			ConsignorDisplayName: req.ConsignorDisplayName,
			SortOrder:            req.SortOrder,
			ItemData:             req.ItemData,
		},
	}))
}

// PATCH /api/stalls/:id/products/:pid
func (h *HTTPHandler) RepriceProduct(c *gin.Context) {
	id, pid, persona, ok := productRoute(c)
	if !ok {
		return
	}
	var req RepriceHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	respond(c, h.stalls.RepriceProduct(c.Request.Context(), id, pid, persona, req.Price))
}

// POST /api/stalls/:id/products/:pid/reclaim
func (h *HTTPHandler) ReclaimProduct(c *gin.Context) {
	id, pid, persona, ok := productRoute(c)
	if !ok {
		return
	}
	respond(c, h.stalls.ReclaimProduct(c.Request.Context(), id, pid, persona, h.recipient))
}

// POST /api/stalls/:id/products/:pid/purchase
func (h *HTTPHandler) Purchase(c *gin.Context) {
	id, pid, persona, ok := productRoute(c)
	if !ok {
		return
	}
	var req PurchaseHTTPRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
			return
		}
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	respond(c, h.stalls.RecordSale(c.Request.Context(), id, pid, persona, req.Quantity))
}

// POST /api/stalls/:id/withdraw
func (h *HTTPHandler) Withdraw(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req WithdrawHTTPRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
			return
		}
	}
	respond(c, h.stalls.WithdrawEarnings(c.Request.Context(), id, persona, req.Amount, h.purse))
}

// PUT /api/stalls/:id/rent-settings
func (h *HTTPHandler) ConfigureRent(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req RentSettingsHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	settings := domain.RentSettings{HoldEarningsInStall: req.HoldEarningsInStall}
	if req.CoinhouseAccountID != "" {
		acct, err := uuid.Parse(req.CoinhouseAccountID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
			return
		}
		settings.CoinHouseAccountID = &acct
	}
	respond(c, h.stalls.ConfigureRentSettings(c.Request.Context(), id, persona, settings))
}

// POST /api/stalls/:id/members
func (h *HTTPHandler) AddMember(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req AddMemberHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	member, err := domain.ParsePersonaID(req.Persona)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, h.stalls.AddMember(c.Request.Context(), id, persona, domain.MemberGrant{
		Persona:              member,
		DisplayName:          req.DisplayName,
		CanManageInventory:   req.CanManageInventory,
		CanConfigureSettings: req.CanConfigureSettings,
		CanCollectEarnings:   req.CanCollectEarnings,
	}))
}

// DELETE /api/stalls/:id/members/:persona
func (h *HTTPHandler) RevokeMember(c *gin.Context) {
	id, ok := stallID(c)
	if !ok {
		return
	}
	persona, ok := requestor(c)
	if !ok {
		return
	}
	member, err := domain.ParsePersonaID(c.Param("persona"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, h.stalls.RevokeMember(c.Request.Context(), id, persona, member))
}

// GET /api/lockup?area=
func (h *HTTPHandler) ListLockup(c *gin.Context) {
	persona, ok := requestor(c)
	if !ok {
		return
	}
	area := c.Query("area")
	if area == "" {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), errMissing("area"))
		return
	}
	items, err := h.lockup.List(c.Request.Context(), persona, area)
	if err != nil {
		respondErr(c, domain.Wrap(domain.CodePersistenceFailure, "lockup.list", err))
		return
	}
	type itemView struct {
		ID          string `json:"id"`
		ResRef      string `json:"resref"`
		DisplayName string `json:"display_name"`
		StoredUTC   string `json:"stored_utc"`
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView{
			ID:          it.ID.String(),
			ResRef:      it.ResRef,
			DisplayName: it.DisplayName,
			StoredUTC:   it.StoredUTC.Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, ResultEnvelope{Success: true, Data: out})
}

// POST /api/lockup/release
func (h *HTTPHandler) ReleaseLockup(c *gin.Context) {
	persona, ok := requestor(c)
	if !ok {
		return
	}
	var req LockupReleaseHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	sum, err := h.lockup.ReleaseInventoryToPlayer(c.Request.Context(), persona, req.AreaResRef, h.recipient)
	if err != nil {
		respondErr(c, domain.Wrap(domain.CodePersistenceFailure, "lockup.release", err))
		return
	}
	c.JSON(http.StatusOK, ResultEnvelope{Success: sum.Failed == 0, Data: sum})
}

// POST /api/lockup/:item/reclaim
func (h *HTTPHandler) ReclaimLockupItem(c *gin.Context) {
	persona, ok := requestor(c)
	if !ok {
		return
	}
	itemID, err := uuid.Parse(c.Param("item"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), err)
		return
	}
	if err := h.lockup.ReclaimItem(c.Request.Context(), persona, itemID, h.recipient); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ResultEnvelope{Success: true, Message: "The item was returned to you."})
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func respond[T any](c *gin.Context, res service.Result[T]) {
	env := ResultEnvelope{Success: res.Success, Code: string(res.Code), Message: res.Message}
	if res.Success {
		env.Data = res.Value
		c.JSON(http.StatusOK, env)
		return
	}
	c.JSON(StatusFor(res.Code), env)
}

// respondErr renders a typed domain error; anything else is a 500.
func respondErr(c *gin.Context, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		RespondError(c, http.StatusInternalServerError, string(domain.CodePersistenceFailure), errUnavailable)
		return
	}
	c.JSON(StatusFor(code), ResultEnvelope{Code: string(code), Message: domain.MessageOf(err)})
}

// StatusFor maps a business failure code onto an HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeStallNotFound, domain.CodeProductNotFound, domain.CodeMemberNotFound, domain.CodeSessionMissing:
		return http.StatusNotFound
	case domain.CodeUnauthorized, domain.CodeNotOwner:
		return http.StatusForbidden
	case domain.CodeAlreadyOwned, domain.CodeOwnershipLimit, domain.CodeLockupOutstanding:
		return http.StatusConflict
	case domain.CodeSessionExpired:
		return http.StatusGone
	case domain.CodePersistenceFailure:
		return http.StatusServiceUnavailable
	case domain.CodeCoinhouseUnavailable, domain.CodeDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func stallID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), errMissing("stall id"))
		return 0, false
	}
	return id, true
}

func productRoute(c *gin.Context) (int64, int64, domain.PersonaID, bool) {
	id, ok := stallID(c)
	if !ok {
		return 0, 0, domain.PersonaID{}, false
	}
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil || pid <= 0 {
		RespondError(c, http.StatusBadRequest, string(domain.CodeValidation), errMissing("product id"))
		return 0, 0, domain.PersonaID{}, false
	}
	persona, ok := requestor(c)
	return id, pid, persona, ok
}

func requestor(c *gin.Context) (domain.PersonaID, bool) {
	raw := c.GetHeader(PersonaHeader)
	if raw == "" {
		RespondError(c, http.StatusUnauthorized, string(domain.CodeUnauthorized), errMissing(PersonaHeader))
		return domain.PersonaID{}, false
	}
	p, err := domain.ParsePersonaID(raw)
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(domain.CodeOf(err)), err)
		return domain.PersonaID{}, false
	}
	return p, true
}

var errUnavailable = errors.New("the market records could not be reached")

type missingError string

func (e missingError) Error() string { return "missing or invalid " + string(e) }

func errMissing(what string) error { return missingError(what) }
