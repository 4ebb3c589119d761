// Package gamebridge reaches the game server for avatar-held gold and item
// delivery. The game side serves "game.v1.Bridge" with the JSON codec.
package gamebridge

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/rpc"
)

const (
	methodGold        = "/game.v1.Bridge/Gold"
	methodTakeGold    = "/game.v1.Bridge/TakeGold"
	methodGiveGold    = "/game.v1.Bridge/GiveGold"
	methodReceiveItem = "/game.v1.Bridge/ReceiveItem"
)

type GoldRequest struct {
	Persona string `json:"persona"`
	Amount  int64  `json:"amount,omitempty"`
}

type GoldReply struct {
	Gold int64 `json:"gold"`
	OK   bool  `json:"ok"`
}

type ItemRequest struct {
	Persona  string `json:"persona"`
	ItemData []byte `json:"item_data"`
	Quantity int    `json:"quantity"`
}

type ItemReply struct {
	Delivered bool `json:"delivered"`
}

// Client implements port.GoldPurse and port.ItemRecipient.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *logger.Logger
}

func NewClient(addr string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial game bridge %s: %w", addr, err)
	}
	return NewClientFromConn(conn, timeout, log), nil
}

func NewClientFromConn(conn *grpc.ClientConn, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{conn: conn, timeout: timeout, log: log}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, in, out, rpc.CallOption())
}

func (c *Client) Gold(ctx context.Context, persona domain.PersonaID) (domain.GoldAmount, error) {
	var reply GoldReply
	if err := c.invoke(ctx, methodGold, &GoldRequest{Persona: persona.String()}, &reply); err != nil {
		return 0, fmt.Errorf("read gold: %w", err)
	}
	return domain.GoldAmount(reply.Gold), nil
}

func (c *Client) TakeGold(ctx context.Context, persona domain.PersonaID, amount domain.GoldAmount) (bool, error) {
	var reply GoldReply
	if err := c.invoke(ctx, methodTakeGold, &GoldRequest{Persona: persona.String(), Amount: amount.Int64()}, &reply); err != nil {
		return false, fmt.Errorf("take gold: %w", err)
	}
	return reply.OK, nil
}

func (c *Client) GiveGold(ctx context.Context, persona domain.PersonaID, amount domain.GoldAmount) error {
	var reply GoldReply
	if err := c.invoke(ctx, methodGiveGold, &GoldRequest{Persona: persona.String(), Amount: amount.Int64()}, &reply); err != nil {
		return fmt.Errorf("give gold: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("give gold: %s is not reachable", persona)
	}
	return nil
}

// ReceiveItem reports false for offline players and transport failures alike.
func (c *Client) ReceiveItem(ctx context.Context, itemData []byte, persona domain.PersonaID, quantity int) bool {
	var reply ItemReply
	err := c.invoke(ctx, methodReceiveItem, &ItemRequest{Persona: persona.String(), ItemData: itemData, Quantity: quantity}, &reply)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			c.log.Warn("item delivery failed", "persona", persona.String(), "error", err)
		}
		return false
	}
	return reply.Delivered
}
