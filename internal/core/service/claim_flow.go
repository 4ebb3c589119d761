package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaevor/go-nanoid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/metrics"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

type PaymentMethod string

const (
	MethodDirect    PaymentMethod = "direct"
	MethodCoinhouse PaymentMethod = "coinhouse"
)

type ClaimState int

const (
	ClaimOffered ClaimState = iota + 1
	ClaimConfirmed
	ClaimCompleted
	ClaimCancelled
	ClaimExpired
	ClaimFailed
)

func (s ClaimState) String() string {
	switch s {
	case ClaimOffered:
		return "offered"
	case ClaimConfirmed:
		return "confirmed"
	case ClaimCompleted:
		return "completed"
	case ClaimCancelled:
		return "cancelled"
	case ClaimExpired:
		return "expired"
	case ClaimFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PaymentOption is one way to pay for a lease. A disabled option stays
// visible and Status says why it cannot be used.
type PaymentOption struct {
	Method  PaymentMethod `json:"method"`
	Label   string        `json:"label"`
	Cost    int64         `json:"cost"`
	Enabled bool          `json:"enabled"`
	Status  string        `json:"status"`
}

// SubmissionResult answers a payment selection.
type SubmissionResult struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	CloseWindow   bool            `json:"close_window"`
	OptionUpdates []PaymentOption `json:"option_updates,omitempty"`
}

type ClaimRequest struct {
	Claimant     domain.OwnerIdentity
	StallID      int64
	AreaResRef   string
	PlaceableTag string
}

type ClaimOffer struct {
	Token      string          `json:"token"`
	StallID    int64           `json:"stall_id"`
	StallTag   string          `json:"stall_tag"`
	Cost       int64           `json:"cost"`
	Options    []PaymentOption `json:"options"`
	ExpiresUTC time.Time       `json:"expires_utc"`
}

type claimSession struct {
	token    string
	req      ClaimRequest
	state    ClaimState
	openedAt time.Time
	timer    *time.Timer
	busy     bool
}

// ClaimFlow runs the interactive lease purchase. One session per persona;
// opening a new window replaces the previous one.
type ClaimFlow struct {
	mu       sync.Mutex
	sessions map[domain.PersonaID]*claimSession

	stalls    *StallService
	repo      port.StallRepository
	lockup    *LockupService
	coinhouse port.Coinhouse
	purse     port.GoldPurse
	main      port.MainContext
	log       *logger.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	newToken  func() string
	now       func() time.Time
}

func NewClaimFlow(
	stalls *StallService,
	repo port.StallRepository,
	lockup *LockupService,
	coinhouse port.Coinhouse,
	purse port.GoldPurse,
	main port.MainContext,
	log *logger.Logger,
	m *metrics.Metrics,
	timeout time.Duration,
) (*ClaimFlow, error) {
	gen, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("claim token generator: %w", err)
	}
	return &ClaimFlow{
		sessions:  make(map[domain.PersonaID]*claimSession),
		stalls:    stalls,
		repo:      repo,
		lockup:    lockup,
		coinhouse: coinhouse,
		purse:     purse,
		main:      main,
		log:       log,
		metrics:   m,
		timeout:   timeout,
		newToken:  gen,
		now:       time.Now,
	}, nil
}

// Open validates the stall and offers the payment options.
func (f *ClaimFlow) Open(ctx context.Context, req ClaimRequest) (*ClaimOffer, error) {
	const op = "claim.open"
	persona := req.Claimant.Persona
	if persona.IsZero() {
		return nil, domain.NewError(domain.CodeValidation, op, "claimant has no persona")
	}
	st, err := f.repo.GetByID(ctx, req.StallID)
	if err != nil {
		return nil, domain.Wrap(domain.CodePersistenceFailure, op, err)
	}
	if st == nil {
		return nil, domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market")
	}
	if !st.MatchesPlacement(req.AreaResRef, req.PlaceableTag) {
		return nil, domain.NewError(domain.CodePlaceableMismatch, op, "this stall does not match the market record")
	}
	if st.IsOwned() && !st.IsOwnedBy(persona) {
		return nil, domain.NewError(domain.CodeAlreadyOwned, op, fmt.Sprintf("%s already leases this stall", st.OwnerDisplayName))
	}

	options := f.paymentOptions(ctx, persona, st)
	sess := &claimSession{
		token:    f.newToken(),
		req:      req,
		state:    ClaimOffered,
		openedAt: f.now(),
	}
	token := sess.token
	sess.timer = time.AfterFunc(f.timeout, func() { f.expire(persona, token) })

	f.mu.Lock()
	if prev, ok := f.sessions[persona]; ok {
		prev.timer.Stop()
		f.metrics.SessionClosed()
	}
	f.sessions[persona] = sess
	f.mu.Unlock()
	f.metrics.SessionOpened()

	return &ClaimOffer{
		Token:      token,
		StallID:    st.ID,
		StallTag:   st.Tag,
		Cost:       st.DailyRent.Int64(),
		Options:    options,
		ExpiresUTC: sess.openedAt.Add(f.timeout).UTC(),
	}, nil
}

func (f *ClaimFlow) paymentOptions(ctx context.Context, persona domain.PersonaID, st *domain.Stall) []PaymentOption {
	cost := st.DailyRent
	var options []PaymentOption
	if !st.DirectPaymentDisabled {
		opt := PaymentOption{Method: MethodDirect, Label: "Pay with carried gold", Cost: cost.Int64()}
		var gold domain.GoldAmount
		err := f.main.Run(ctx, func(ctx context.Context) error {
			g, err := f.purse.Gold(ctx, persona)
			gold = g
			return err
		})
		switch {
		case err != nil:
			opt.Status = "Your purse could not be checked."
		case gold < cost:
			opt.Status = fmt.Sprintf("You need %d more gold.", cost-gold)
		default:
			opt.Enabled = true
			opt.Status = fmt.Sprintf("%d gold will be taken from your purse.", cost)
		}
		options = append(options, opt)
	}
	if !st.CoinhousePaymentDisabled {
		opt := PaymentOption{Method: MethodCoinhouse, Label: "Pay from your coinhouse account", Cost: cost.Int64()}
		acct, err := f.coinhouse.FindAccount(ctx, persona, st.SettlementTag)
		switch {
		case err != nil:
			opt.Status = "The coinhouse cannot be reached right now."
		case acct == nil:
			opt.Status = "Open an account at the local coinhouse first."
		case acct.Balance < cost:
			opt.Status = fmt.Sprintf("Your account is %d gold short.", cost-acct.Balance)
		default:
			opt.Enabled = true
			opt.Status = fmt.Sprintf("%d gold will be withdrawn from your account.", cost)
		}
		options = append(options, opt)
	}
	return options
}

func (f *ClaimFlow) expire(persona domain.PersonaID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[persona]
	if !ok || sess.token != token || sess.busy {
		return
	}
	sess.state = ClaimExpired
	delete(f.sessions, persona)
	f.metrics.SessionClosed()
	f.metrics.ClaimOutcome("none", ClaimExpired.String())
}

// Cancel closes the persona's window. It never touches the stall.
func (f *ClaimFlow) Cancel(persona domain.PersonaID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[persona]
	if !ok || sess.busy {
		return false
	}
	sess.timer.Stop()
	sess.state = ClaimCancelled
	delete(f.sessions, persona)
	f.metrics.SessionClosed()
	f.metrics.ClaimOutcome("none", ClaimCancelled.String())
	return true
}

// State reports the state of the persona's open session.
func (f *ClaimFlow) State(persona domain.PersonaID) (ClaimState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[persona]
	if !ok {
		return 0, false
	}
	return sess.state, true
}

// begin marks the session busy so one persona cannot pay twice at once.
func (f *ClaimFlow) begin(persona domain.PersonaID) (*claimSession, *SubmissionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[persona]
	if !ok {
		return nil, &SubmissionResult{Message: "This offer is no longer open.", CloseWindow: true}
	}
	if sess.busy {
		return nil, &SubmissionResult{Message: "Your payment is already being processed."}
	}
	if f.now().Sub(sess.openedAt) > f.timeout {
		sess.timer.Stop()
		sess.state = ClaimExpired
		delete(f.sessions, persona)
		f.metrics.SessionClosed()
		f.metrics.ClaimOutcome("none", ClaimExpired.String())
		return nil, &SubmissionResult{Message: "This offer has expired. Please try again.", CloseWindow: true}
	}
	sess.busy = true
	sess.state = ClaimConfirmed
	return sess, nil
}

// finish ends a confirm attempt. A closing result removes the session;
// otherwise it returns to Offered for another try.
func (f *ClaimFlow) finish(persona domain.PersonaID, sess *claimSession, method PaymentMethod, res SubmissionResult, outcome ClaimState) SubmissionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess.busy = false
	if res.CloseWindow {
		sess.state = outcome
		sess.timer.Stop()
		if cur, ok := f.sessions[persona]; ok && cur == sess {
			delete(f.sessions, persona)
			f.metrics.SessionClosed()
		}
	} else if f.now().Sub(sess.openedAt) >= f.timeout {
		// the timer fired while the submission held the session
		sess.state = ClaimExpired
		sess.timer.Stop()
		if cur, ok := f.sessions[persona]; ok && cur == sess {
			delete(f.sessions, persona)
			f.metrics.SessionClosed()
		}
		res.CloseWindow = true
	} else {
		sess.state = ClaimOffered
	}
	f.metrics.ClaimOutcome(string(method), outcome.String())
	return res
}

// Confirm pays with method and finalizes the lease.
func (f *ClaimFlow) Confirm(ctx context.Context, persona domain.PersonaID, method PaymentMethod) SubmissionResult {
	sess, early := f.begin(persona)
	if early != nil {
		return *early
	}
	res, outcome := f.confirm(ctx, sess, method)
	return f.finish(persona, sess, method, res, outcome)
}

func (f *ClaimFlow) confirm(ctx context.Context, sess *claimSession, method PaymentMethod) (SubmissionResult, ClaimState) {
	req := sess.req
	persona := req.Claimant.Persona

	st, err := f.repo.GetByID(ctx, req.StallID)
	if err != nil {
		f.log.Error("claim: reload stall", "stall_id", req.StallID, "error", err)
		return SubmissionResult{Message: unavailableMessage}, ClaimFailed
	}
	if st == nil {
		return SubmissionResult{Message: "This stall is no longer registered with the market.", CloseWindow: true}, ClaimFailed
	}
	if !st.MatchesPlacement(req.AreaResRef, req.PlaceableTag) {
		return SubmissionResult{Message: "This stall does not match the market record.", CloseWindow: true}, ClaimFailed
	}
	if st.IsOwned() && !st.IsOwnedBy(persona) {
		return SubmissionResult{Message: "Someone else leased this stall first.", CloseWindow: true}, ClaimFailed
	}

	if f.lockup != nil {
		n, err := f.lockup.Outstanding(ctx, persona, req.AreaResRef)
		if err != nil {
			f.log.Error("claim: lockup check", "persona", persona.String(), "error", err)
			return SubmissionResult{Message: unavailableMessage}, ClaimFailed
		}
		if n > 0 {
			return SubmissionResult{
				Message:     fmt.Sprintf("You still have %d item(s) in this market's lockup. Reclaim them before leasing another stall.", n),
				CloseWindow: true,
			}, ClaimFailed
		}
	}

	switch method {
	case MethodDirect:
		if st.DirectPaymentDisabled {
			return SubmissionResult{Message: "This stall does not accept carried gold."}, ClaimFailed
		}
		return f.payDirect(ctx, req, st)
	case MethodCoinhouse:
		if st.CoinhousePaymentDisabled {
			return SubmissionResult{Message: "This stall does not accept coinhouse payment."}, ClaimFailed
		}
		return f.payCoinhouse(ctx, req, st)
	default:
		return SubmissionResult{Message: "Choose a payment method."}, ClaimFailed
	}
}

func (f *ClaimFlow) payDirect(ctx context.Context, req ClaimRequest, st *domain.Stall) (SubmissionResult, ClaimState) {
	persona := req.Claimant.Persona
	cost := st.DailyRent
	var (
		gold  domain.GoldAmount
		taken bool
	)
	err := f.main.Run(ctx, func(ctx context.Context) error {
		g, err := f.purse.Gold(ctx, persona)
		if err != nil {
			return err
		}
		gold = g
		if g < cost {
			return nil
		}
		if cost == 0 {
			taken = true
			return nil
		}
		taken, err = f.purse.TakeGold(ctx, persona, cost)
		return err
	})
	if err != nil {
		f.log.Error("claim: direct debit", "persona", persona.String(), "error", err)
		return SubmissionResult{Message: "Your purse could not be checked. Please try again."}, ClaimFailed
	}
	if !taken {
		opt := PaymentOption{
			Method: MethodDirect, Label: "Pay with carried gold", Cost: cost.Int64(),
			Status: fmt.Sprintf("You need %d more gold.", cost.Sub(gold)),
		}
		return SubmissionResult{
			Message:       fmt.Sprintf("You need %d gold to lease this stall.", cost),
			OptionUpdates: []PaymentOption{opt},
		}, ClaimFailed
	}

	res := f.stalls.ClaimStall(ctx, ClaimStallRequest{
		StallID:       st.ID,
		Owner:         req.Claimant,
		AreaResRef:    req.AreaResRef,
		PlaceableTag:  req.PlaceableTag,
		PaymentSource: string(MethodDirect),
		AmountPaid:    cost,
	})
	if res.Success {
		return SubmissionResult{Success: true, Message: res.Message, CloseWindow: true}, ClaimCompleted
	}

	if cost > 0 {
		if err := f.main.Run(ctx, func(ctx context.Context) error {
			return f.purse.GiveGold(ctx, persona, cost)
		}); err != nil {
			f.log.Error("claim: CRITICAL refund of direct payment failed", "persona", persona.String(), "amount", cost, "error", err)
		}
	}
	return f.claimRejected(res), ClaimFailed
}

func (f *ClaimFlow) payCoinhouse(ctx context.Context, req ClaimRequest, st *domain.Stall) (SubmissionResult, ClaimState) {
	persona := req.Claimant.Persona
	cost := st.DailyRent
	acct, err := f.coinhouse.FindAccount(ctx, persona, st.SettlementTag)
	if err != nil {
		f.log.Warn("claim: coinhouse lookup", "persona", persona.String(), "error", err)
		return f.coinhouseStatus(cost, "The coinhouse cannot be reached right now."), ClaimFailed
	}
	if acct == nil {
		return f.coinhouseStatus(cost, "Open an account at the local coinhouse first."), ClaimFailed
	}

	if cost > 0 {
		bank, err := f.coinhouse.WithdrawGold(ctx, port.BankRequest{
			Persona: persona,
			Tag:     acct.Tag,
			Amount:  cost,
			Reason:  fmt.Sprintf("Lease of stall %s", st.Tag),
		})
		if err != nil {
			f.log.Warn("claim: coinhouse withdraw", "persona", persona.String(), "error", err)
			return f.coinhouseStatus(cost, "The coinhouse cannot be reached right now."), ClaimFailed
		}
		if !bank.Success {
			return f.coinhouseStatus(cost, bank.Message), ClaimFailed
		}
	}

	accountID := acct.ID
	res := f.stalls.ClaimStall(ctx, ClaimStallRequest{
		StallID:            st.ID,
		Owner:              req.Claimant,
		AreaResRef:         req.AreaResRef,
		PlaceableTag:       req.PlaceableTag,
		CoinHouseAccountID: &accountID,
		PaymentSource:      string(MethodCoinhouse),
		AmountPaid:         cost,
	})
	if res.Success {
		return SubmissionResult{Success: true, Message: res.Message, CloseWindow: true}, ClaimCompleted
	}

	if cost > 0 {
		bank, err := f.coinhouse.DepositGold(ctx, port.BankRequest{
			Persona: persona,
			Tag:     acct.Tag,
			Amount:  cost,
			Reason:  fmt.Sprintf("Refund for stall %s", st.Tag),
		})
		if err != nil || !bank.Success {
			f.log.Error("claim: CRITICAL coinhouse refund failed", "persona", persona.String(), "amount", cost, "error", err, "message", bank.Message)
		}
	}
	return f.claimRejected(res), ClaimFailed
}

func (f *ClaimFlow) coinhouseStatus(cost domain.GoldAmount, status string) SubmissionResult {
	return SubmissionResult{
		Message: status,
		OptionUpdates: []PaymentOption{{
			Method: MethodCoinhouse, Label: "Pay from your coinhouse account", Cost: cost.Int64(), Status: status,
		}},
	}
}

// claimRejected keeps the window open only for failures worth retrying.
func (f *ClaimFlow) claimRejected(res Result[StallView]) SubmissionResult {
	msg := res.Message + " Your payment was returned."
	switch res.Code {
	case domain.CodePersistenceFailure, domain.CodeCoinhouseUnavailable:
		return SubmissionResult{Message: msg}
	default:
		return SubmissionResult{Message: msg, CloseWindow: true}
	}
}

// CloseAll drops every open session; used on shutdown.
func (f *ClaimFlow) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for persona, sess := range f.sessions {
		sess.timer.Stop()
		delete(f.sessions, persona)
		f.metrics.SessionClosed()
	}
}
