package coinhouse

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "coinhouse.v1.Coinhouse"

const (
	methodGetAccount  = "/" + serviceName + "/GetAccount"
	methodFindAccount = "/" + serviceName + "/FindAccount"
	methodWithdraw    = "/" + serviceName + "/WithdrawGold"
	methodDeposit     = "/" + serviceName + "/DepositGold"
)

type GetAccountRequest struct {
	AccountID string `json:"account_id"`
}

type FindAccountRequest struct {
	Holder        string `json:"holder"`
	SettlementTag string `json:"settlement_tag"`
}

type Account struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Holder  string `json:"holder"`
	Balance int64  `json:"balance"`
}

// AccountReply leaves Account nil when the bank has no such account.
type AccountReply struct {
	Account *Account `json:"account,omitempty"`
}

type TransferRequest struct {
	Persona string `json:"persona"`
	Tag     string `json:"tag"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

type TransferReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Server is the banking side of the contract.
type Server interface {
	GetAccount(ctx context.Context, req *GetAccountRequest) (*AccountReply, error)
	FindAccount(ctx context.Context, req *FindAccountRequest) (*AccountReply, error)
	WithdrawGold(ctx context.Context, req *TransferRequest) (*TransferReply, error)
	DepositGold(ctx context.Context, req *TransferRequest) (*TransferReply, error)
}

// RegisterServer mounts srv on s. Callers must use the JSON content subtype.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAccount", Handler: getAccountHandler},
		{MethodName: "FindAccount", Handler: findAccountHandler},
		{MethodName: "WithdrawGold", Handler: withdrawHandler},
		{MethodName: "DepositGold", Handler: depositHandler},
	},
	Metadata: "coinhouse.v1",
}

func getAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetAccount(ctx, req.(*GetAccountRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAccount}, call)
}

func findAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FindAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).FindAccount(ctx, req.(*FindAccountRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFindAccount}, call)
}

func withdrawHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).WithdrawGold(ctx, req.(*TransferRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWithdraw}, call)
}

func depositHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).DepositGold(ctx, req.(*TransferRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeposit}, call)
}
