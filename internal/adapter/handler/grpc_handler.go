package handler

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/core/service"
	_ "github.com/amia-team/AmiaReforged-sub001/internal/platform/rpc"
)

const marketServiceName = "market.v1.Stalls"

type StallRequest struct {
	StallID int64  `json:"stall_id"`
	Persona string `json:"persona"`
}

type OpenClaimRequest struct {
	StallID      int64  `json:"stall_id"`
	Persona      string `json:"persona"`
	CharacterID  string `json:"character_id"`
	DisplayName  string `json:"display_name"`
	AreaResRef   string `json:"area_resref"`
	PlaceableTag string `json:"placeable_tag"`
}

type ConfirmClaimRequest struct {
	Persona string `json:"persona"`
	Method  string `json:"method"`
}

type PurchaseRequest struct {
	StallID   int64  `json:"stall_id"`
	ProductID int64  `json:"product_id"`
	Buyer     string `json:"buyer"`
	Quantity  int    `json:"quantity"`
}

// MarketResponse is the reply of every market call.
type MarketResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MarketServer is the gRPC contract implemented by GRPCHandler.
type MarketServer interface {
	GetStall(ctx context.Context, req *StallRequest) (*MarketResponse, error)
	OpenClaim(ctx context.Context, req *OpenClaimRequest) (*MarketResponse, error)
	ConfirmClaim(ctx context.Context, req *ConfirmClaimRequest) (*MarketResponse, error)
	CancelClaim(ctx context.Context, req *ConfirmClaimRequest) (*MarketResponse, error)
	ReleaseStall(ctx context.Context, req *StallRequest) (*MarketResponse, error)
	Purchase(ctx context.Context, req *PurchaseRequest) (*MarketResponse, error)
}

// GRPCHandler serves the market to the game server over gRPC with the
// JSON codec. Business failures are replies, not status errors.
type GRPCHandler struct {
	stalls *service.StallService
	claims *service.ClaimFlow
}

func NewGRPCHandler(stalls *service.StallService, claims *service.ClaimFlow) *GRPCHandler {
	return &GRPCHandler{stalls: stalls, claims: claims}
}

// Register mounts the handler on s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&marketServiceDesc, h)
}

func (h *GRPCHandler) GetStall(ctx context.Context, req *StallRequest) (*MarketResponse, error) {
	return fromResult(h.stalls.GetStall(ctx, req.StallID)), nil
}

func (h *GRPCHandler) OpenClaim(ctx context.Context, req *OpenClaimRequest) (*MarketResponse, error) {
	persona, err := domain.ParsePersonaID(req.Persona)
	if err != nil {
		return fromError(err), nil
	}
	claimant := domain.OwnerIdentity{Persona: persona, DisplayName: req.DisplayName}
	if req.CharacterID != "" {
		id, err := uuid.Parse(req.CharacterID)
		if err != nil {
			return fromError(domain.NewError(domain.CodeValidation, "claim.open", "character id is not a uuid")), nil
		}
		claimant.CharacterID = id
	}
	offer, err := h.claims.Open(ctx, service.ClaimRequest{
		Claimant:     claimant,
		StallID:      req.StallID,
		AreaResRef:   req.AreaResRef,
		PlaceableTag: req.PlaceableTag,
	})
	if err != nil {
		return fromError(err), nil
	}
	return &MarketResponse{Success: true, Data: offer}, nil
}

func (h *GRPCHandler) ConfirmClaim(ctx context.Context, req *ConfirmClaimRequest) (*MarketResponse, error) {
	persona, err := domain.ParsePersonaID(req.Persona)
	if err != nil {
		return fromError(err), nil
	}
	res := h.claims.Confirm(ctx, persona, service.PaymentMethod(req.Method))
	return &MarketResponse{Success: res.Success, Message: res.Message, Data: res}, nil
}

func (h *GRPCHandler) CancelClaim(_ context.Context, req *ConfirmClaimRequest) (*MarketResponse, error) {
	persona, err := domain.ParsePersonaID(req.Persona)
	if err != nil {
		return fromError(err), nil
	}
	if !h.claims.Cancel(persona) {
		return &MarketResponse{Code: string(domain.CodeSessionMissing), Message: "no lease window is open"}, nil
	}
	return &MarketResponse{Success: true, Message: "lease window closed"}, nil
}

func (h *GRPCHandler) ReleaseStall(ctx context.Context, req *StallRequest) (*MarketResponse, error) {
	persona, err := domain.ParsePersonaID(req.Persona)
	if err != nil {
		return fromError(err), nil
	}
	return fromResult(h.stalls.ReleaseStall(ctx, req.StallID, persona)), nil
}

func (h *GRPCHandler) Purchase(ctx context.Context, req *PurchaseRequest) (*MarketResponse, error) {
	buyer, err := domain.ParsePersonaID(req.Buyer)
	if err != nil {
		return fromError(err), nil
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	return fromResult(h.stalls.RecordSale(ctx, req.StallID, req.ProductID, buyer, req.Quantity)), nil
}

func fromResult[T any](res service.Result[T]) *MarketResponse {
	out := &MarketResponse{Success: res.Success, Code: string(res.Code), Message: res.Message}
	if res.Success {
		out.Data = res.Value
	}
	return out
}

func fromError(err error) *MarketResponse {
	code := domain.CodeOf(err)
	if code == "" {
		return &MarketResponse{Code: string(domain.CodePersistenceFailure), Message: errUnavailable.Error()}
	}
	return &MarketResponse{Code: string(code), Message: domain.MessageOf(err)}
}

func unary[Req any](method string, call func(h *GRPCHandler, ctx context.Context, req *Req) (*MarketResponse, error)) grpc.MethodDesc {
	full := "/" + marketServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*GRPCHandler)
			if interceptor == nil {
				return call(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(h, ctx, req.(*Req))
			})
		},
	}
}

var marketServiceDesc = grpc.ServiceDesc{
	ServiceName: marketServiceName,
	HandlerType: (*MarketServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStall", (*GRPCHandler).GetStall),
		unary("OpenClaim", (*GRPCHandler).OpenClaim),
		unary("ConfirmClaim", (*GRPCHandler).ConfirmClaim),
		unary("CancelClaim", (*GRPCHandler).CancelClaim),
		unary("ReleaseStall", (*GRPCHandler).ReleaseStall),
		unary("Purchase", (*GRPCHandler).Purchase),
	},
	Metadata: "market.v1",
}
