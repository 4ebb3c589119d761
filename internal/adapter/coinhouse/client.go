package coinhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/rpc"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

// Client talks to the banking service. Transport failures come back as
// errors; refusals come back as BankResult{Success: false}.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy": "round_robin"}`),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial coinhouse %s: %w", addr, err)
	}
	return NewClientFromConn(conn, timeout), nil
}

func NewClientFromConn(conn *grpc.ClientConn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, in, out, rpc.CallOption())
}

func (c *Client) GetAccount(ctx context.Context, id uuid.UUID) (*port.CoinhouseAccount, error) {
	var reply AccountReply
	if err := c.invoke(ctx, methodGetAccount, &GetAccountRequest{AccountID: id.String()}, &reply); err != nil {
		return nil, fmt.Errorf("coinhouse get account: %w", err)
	}
	return toAccount(reply.Account)
}

func (c *Client) FindAccount(ctx context.Context, holder domain.PersonaID, settlementTag string) (*port.CoinhouseAccount, error) {
	var reply AccountReply
	req := &FindAccountRequest{Holder: holder.String(), SettlementTag: settlementTag}
	if err := c.invoke(ctx, methodFindAccount, req, &reply); err != nil {
		return nil, fmt.Errorf("coinhouse find account: %w", err)
	}
	return toAccount(reply.Account)
}

func (c *Client) WithdrawGold(ctx context.Context, req port.BankRequest) (port.BankResult, error) {
	return c.transfer(ctx, methodWithdraw, req)
}

func (c *Client) DepositGold(ctx context.Context, req port.BankRequest) (port.BankResult, error) {
	return c.transfer(ctx, methodDeposit, req)
}

func (c *Client) transfer(ctx context.Context, method string, req port.BankRequest) (port.BankResult, error) {
	var reply TransferReply
	in := &TransferRequest{
		Persona: req.Persona.String(),
		Tag:     req.Tag.String(),
		Amount:  req.Amount.Int64(),
		Reason:  req.Reason,
	}
	if err := c.invoke(ctx, method, in, &reply); err != nil {
		return port.BankResult{}, fmt.Errorf("coinhouse %s: %w", method, err)
	}
	return port.BankResult{Success: reply.Success, Message: reply.Message}, nil
}

func toAccount(a *Account) (*port.CoinhouseAccount, error) {
	if a == nil {
		return nil, nil
	}
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return nil, fmt.Errorf("coinhouse account id %q: %w", a.ID, err)
	}
	holder, err := domain.ParsePersonaID(a.Holder)
	if err != nil {
		return nil, fmt.Errorf("coinhouse account holder: %w", err)
	}
	return &port.CoinhouseAccount{
		ID:      id,
		Tag:     domain.CoinhouseTag(a.Tag),
		Holder:  holder,
		Balance: domain.GoldAmount(a.Balance),
	}, nil
}
