package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonmarkets/exchange/internal/amm"
	"github.com/babylonmarkets/exchange/internal/domain"
	"github.com/babylonmarkets/exchange/internal/metrics"
)

// MarketService runs the prediction-market AMM: quotes, buys, sells, and
// resolution. It is the sole mutator of market pools and positions, which is
// what keeps the pool/position symmetry invariant intact.
type MarketService struct {
	markets   domain.MarketStore
	positions domain.PositionStore
	trades    domain.TradeStore
	ledger    *LedgerService
	locks     domain.LockManager
	bus       domain.SignalBus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pointsPerTrade decimal.Decimal
	lockWait       time.Duration
}

// MarketServiceConfig tunes the service.
type MarketServiceConfig struct {
	// PointsPerTrade is the activity-points award per executed trade.
	PointsPerTrade decimal.Decimal
	// LockWait bounds how long an operation waits on a contended lock.
	LockWait time.Duration
}

// NewMarketService creates a MarketService.
func NewMarketService(
	markets domain.MarketStore,
	positions domain.PositionStore,
	trades domain.TradeStore,
	ledger *LedgerService,
	locks domain.LockManager,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg MarketServiceConfig,
) *MarketService {
	return &MarketService{
		markets:        markets,
		positions:      positions,
		trades:         trades,
		ledger:         ledger,
		locks:          locks,
		bus:            bus,
		metrics:        m,
		logger:         logger,
		pointsPerTrade: cfg.PointsPerTrade,
		lockWait:       cfg.LockWait,
	}
}

// CreateMarket lists a new market with seedLiquidity split evenly across the
// two sides, pricing both at 0.5.
func (s *MarketService) CreateMarket(ctx context.Context, question string, seedLiquidity decimal.Decimal) (domain.Market, error) {
	if seedLiquidity.Sign() < 0 {
		return domain.Market{}, domain.ErrInvalidAmount
	}

	half := seedLiquidity.Div(decimal.NewFromInt(2))
	now := time.Now().UTC()
	m := domain.Market{
		ID:        uuid.New().String(),
		Question:  question,
		YesShares: half,
		NoShares:  half,
		Liquidity: seedLiquidity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	s.logger.InfoContext(ctx, "market_service: market listed",
		slog.String("market_id", m.ID),
		slog.String("seed_liquidity", seedLiquidity.String()),
	)
	return m, nil
}

// GetMarket returns a market by id.
func (s *MarketService) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return s.markets.GetByID(ctx, marketID)
}

// ListMarkets returns unresolved markets.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return s.markets.ListOpen(ctx, opts)
}

// Quote prices a buy against the current pool without mutating anything.
func (s *MarketService) Quote(ctx context.Context, marketID string, side domain.Outcome, amount decimal.Decimal) (amm.Quote, error) {
	if !side.Valid() {
		return amm.Quote{}, domain.ErrInvalidAmount
	}
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return amm.Quote{}, fmt.Errorf("market_service: get market %s: %w", marketID, err)
	}
	if m.Resolved {
		return amm.Quote{}, domain.ErrMarketResolved
	}
	return amm.QuoteBuy(m, side, amount)
}

// BuyResult is the outcome of a Buy.
type BuyResult struct {
	Position     domain.Position
	SharesOut    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Buy debits amount from the user, mints shares into the pool, and credits
// the user's position, updating its cost basis as the quantity-weighted mean
// of old and new fills.
//
// Lock order: balance, then market.
func (s *MarketService) Buy(ctx context.Context, userID, marketID string, side domain.Outcome, amount decimal.Decimal) (BuyResult, error) {
	if amount.Sign() <= 0 {
		return BuyResult{}, domain.ErrInvalidAmount
	}
	if !side.Valid() {
		return BuyResult{}, domain.ErrInvalidAmount
	}

	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(userID), s.lockWait)
	if err != nil {
		return BuyResult{}, s.busy(err)
	}
	defer unlockBalance()

	unlockMarket, err := acquireLock(ctx, s.locks, marketLockKey(marketID), s.lockWait)
	if err != nil {
		return BuyResult{}, s.busy(err)
	}
	defer unlockMarket()

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return BuyResult{}, fmt.Errorf("market_service: get market %s: %w", marketID, err)
	}
	if m.Resolved {
		return BuyResult{}, domain.ErrMarketResolved
	}

	updated, quote, err := amm.ApplyBuy(m, side, amount)
	if err != nil {
		return BuyResult{}, err
	}

	// Debit first; any later failure rolls the debit back so no partial
	// application can leak.
	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       amount.Neg(),
		Type:        domain.TxBuyShares,
		Description: fmt.Sprintf("buy %s %s on market %s", quote.SharesOut.StringFixed(4), side, marketID),
	}); err != nil {
		return BuyResult{}, err
	}

	pos, revert, err := s.creditPosition(ctx, userID, marketID, side, quote)
	if err == nil {
		if err = s.markets.Update(ctx, updated); err != nil {
			// The pool never changed, so the minted shares must go too or
			// the pool/position symmetry breaks.
			if rbErr := revert(ctx); rbErr != nil {
				s.fault(ctx, "buy position rollback failed", rbErr)
			}
		}
	}
	if err != nil {
		s.refund(ctx, userID, amount, domain.TxBuyShares, "buy rollback: "+marketID)
		return BuyResult{}, fmt.Errorf("market_service: buy %s: %w", marketID, err)
	}

	s.recordTrade(ctx, domain.Trade{
		ID:       uuid.New().String(),
		UserID:   userID,
		Kind:     domain.TradeBuy,
		MarketID: marketID,
		Side:     string(side),
		Shares:   quote.SharesOut,
		Price:    quote.AvgFillPrice,
		Amount:   amount,
	})
	s.awardTradePoints(ctx, userID, domain.TxBuyShares)
	s.metrics.TradesTotal.WithLabelValues(string(domain.TradeBuy)).Inc()
	s.publish(ctx, "trades", map[string]any{
		"event":     "shares_bought",
		"market_id": marketID,
		"user_id":   userID,
		"side":      side,
		"shares":    quote.SharesOut,
		"price":     quote.AvgFillPrice,
	})

	return BuyResult{Position: pos, SharesOut: quote.SharesOut, AvgFillPrice: quote.AvgFillPrice}, nil
}

// creditPosition upserts the (user, market, side) position with the fill. The
// returned revert undoes the write: it restores the prior position on a
// repeat fill, or deletes the freshly created one.
func (s *MarketService) creditPosition(ctx context.Context, userID, marketID string, side domain.Outcome, quote amm.Quote) (domain.Position, func(context.Context) error, error) {
	now := time.Now().UTC()

	prev, err := s.positions.Get(ctx, userID, marketID, side)
	var pos domain.Position
	var revert func(context.Context) error
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.Position{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			Side:      side,
			Shares:    quote.SharesOut,
			AvgPrice:  quote.AvgFillPrice,
			CreatedAt: now,
			UpdatedAt: now,
		}
		revert = func(ctx context.Context) error {
			return s.positions.Delete(ctx, pos.ID)
		}
	case err != nil:
		return domain.Position{}, nil, err
	default:
		// Weighted-average cost basis across fills.
		pos = prev
		total := pos.Shares.Add(quote.SharesOut)
		cost := pos.CostBasis().Add(quote.SharesOut.Mul(quote.AvgFillPrice))
		pos.AvgPrice = cost.Div(total)
		pos.Shares = total
		pos.UpdatedAt = now
		revert = func(ctx context.Context) error {
			return s.positions.Upsert(ctx, prev)
		}
	}

	if err := s.positions.Upsert(ctx, pos); err != nil {
		return domain.Position{}, nil, err
	}
	return pos, revert, nil
}

// SellResult is the outcome of a Sell.
type SellResult struct {
	Proceeds    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Sell reduces the position by shares, pays out the AMM proceeds, and
// realizes PnL against the position's cost basis. The cost basis itself is
// unchanged by partial sells. The position is deleted when it reaches zero.
//
// Lock order: balance, then market.
func (s *MarketService) Sell(ctx context.Context, userID, positionID string, shares decimal.Decimal) (SellResult, error) {
	if shares.Sign() <= 0 {
		return SellResult{}, domain.ErrInvalidAmount
	}

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return SellResult{}, domain.ErrPositionNotFound
	}
	if pos.UserID != userID {
		return SellResult{}, domain.ErrPositionNotFound
	}

	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(userID), s.lockWait)
	if err != nil {
		return SellResult{}, s.busy(err)
	}
	defer unlockBalance()

	unlockMarket, err := acquireLock(ctx, s.locks, marketLockKey(pos.MarketID), s.lockWait)
	if err != nil {
		return SellResult{}, s.busy(err)
	}
	defer unlockMarket()

	// Reload under the locks; the position may have changed while we waited.
	pos, err = s.positions.GetByID(ctx, positionID)
	if err != nil {
		return SellResult{}, domain.ErrPositionNotFound
	}
	if shares.GreaterThan(pos.Shares) {
		return SellResult{}, domain.ErrInsufficientShares
	}

	m, err := s.markets.GetByID(ctx, pos.MarketID)
	if err != nil {
		return SellResult{}, fmt.Errorf("market_service: get market %s: %w", pos.MarketID, err)
	}
	if m.Resolved {
		return SellResult{}, domain.ErrMarketResolved
	}

	updated, proceeds, err := amm.ApplySell(m, pos.Side, shares)
	if err != nil {
		return SellResult{}, err
	}
	realized := proceeds.Sub(shares.Mul(pos.AvgPrice))

	prev := pos
	pos.Shares = pos.Shares.Sub(shares)
	if pos.Shares.IsZero() {
		err = s.positions.Delete(ctx, pos.ID)
	} else {
		err = s.positions.Upsert(ctx, pos)
	}
	if err == nil {
		err = s.markets.Update(ctx, updated)
	}
	if err != nil {
		// Restore the position; the pool was never written.
		if rbErr := s.positions.Upsert(ctx, prev); rbErr != nil {
			s.fault(ctx, "sell rollback failed", rbErr)
		}
		return SellResult{}, fmt.Errorf("market_service: sell %s: %w", positionID, err)
	}

	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       proceeds,
		Type:        domain.TxSellShares,
		Description: fmt.Sprintf("sell %s %s on market %s", shares.StringFixed(4), pos.Side, pos.MarketID),
		PnLDelta:    realized,
	}); err != nil {
		// Roll the pool and position back so no one is short-changed.
		if rbErr := s.positions.Upsert(ctx, prev); rbErr != nil {
			s.fault(ctx, "sell credit rollback failed", rbErr)
		}
		if rbErr := s.markets.Update(ctx, m); rbErr != nil {
			s.fault(ctx, "sell pool rollback failed", rbErr)
		}
		return SellResult{}, err
	}

	s.recordTrade(ctx, domain.Trade{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        domain.TradeSell,
		MarketID:    pos.MarketID,
		Side:        string(pos.Side),
		Shares:      shares,
		Price:       amm.Price(updated, pos.Side),
		Amount:      proceeds,
		RealizedPnL: realized,
	})
	s.awardTradePoints(ctx, userID, domain.TxSellShares)
	s.metrics.TradesTotal.WithLabelValues(string(domain.TradeSell)).Inc()
	s.publish(ctx, "trades", map[string]any{
		"event":        "shares_sold",
		"market_id":    pos.MarketID,
		"user_id":      userID,
		"side":         pos.Side,
		"shares":       shares,
		"proceeds":     proceeds,
		"realized_pnl": realized,
	})

	return SellResult{Proceeds: proceeds, RealizedPnL: realized}, nil
}

// Resolve settles a market: the winning side pays 1.0 per share, the losing
// side 0.0, and every position in the market is zeroed. Calling Resolve on an
// already-resolved market is a no-op, not an error.
//
// The resolved flag flips under the market lock, so no trade can be accepted
// against a market that is being settled; payouts then proceed without the
// market lock since the flag blocks all further pool mutations.
func (s *MarketService) Resolve(ctx context.Context, marketID string, outcome domain.Outcome) error {
	if !outcome.Valid() {
		return domain.ErrInvalidAmount
	}

	unlockMarket, err := acquireLock(ctx, s.locks, marketLockKey(marketID), s.lockWait)
	if err != nil {
		return s.busy(err)
	}

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		unlockMarket()
		return fmt.Errorf("market_service: get market %s: %w", marketID, err)
	}
	if m.Resolved {
		unlockMarket()
		return nil
	}

	m.Resolved = true
	m.Resolution = &outcome
	if err := s.markets.Update(ctx, m); err != nil {
		unlockMarket()
		return fmt.Errorf("market_service: flag resolution %s: %w", marketID, err)
	}
	unlockMarket()

	positions, err := s.positions.ListByMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market_service: list positions %s: %w", marketID, err)
	}

	for _, pos := range positions {
		if err := s.settlePosition(ctx, pos, outcome); err != nil {
			// Settlement of other holders must continue; this one is logged
			// and retried by the next resolve sweep.
			s.logger.ErrorContext(ctx, "market_service: settle position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, "market_resolved", map[string]any{
		"event":     "market_resolved",
		"market_id": marketID,
		"outcome":   outcome,
	})
	s.logger.InfoContext(ctx, "market_service: market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.Int("positions_settled", len(positions)),
	)
	return nil
}

// settlePosition pays out one position at resolution and removes it.
func (s *MarketService) settlePosition(ctx context.Context, pos domain.Position, outcome domain.Outcome) error {
	unlockBalance, err := acquireLock(ctx, s.locks, balanceLockKey(pos.UserID), s.lockWait)
	if err != nil {
		return s.busy(err)
	}
	defer unlockBalance()

	payout := decimal.Zero
	if pos.Side == outcome {
		payout = pos.Shares // winning shares settle at 1.0
	}
	realized := payout.Sub(pos.CostBasis())

	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      pos.UserID,
		Delta:       payout,
		Type:        domain.TxResolvePayout,
		Description: fmt.Sprintf("market %s resolved %s", pos.MarketID, outcome),
		PnLDelta:    realized,
	}); err != nil {
		return err
	}

	if err := s.positions.Delete(ctx, pos.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

func (s *MarketService) refund(ctx context.Context, userID string, amount decimal.Decimal, txType domain.TransactionType, description string) {
	if _, err := s.ledger.Apply(ctx, domain.BalanceChange{
		UserID:      userID,
		Delta:       amount,
		Type:        txType,
		Description: description,
	}); err != nil {
		s.fault(ctx, "refund failed", err)
	}
}

func (s *MarketService) recordTrade(ctx context.Context, t domain.Trade) {
	t.CreatedAt = time.Now().UTC()
	if err := s.trades.Insert(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "market_service: trade record failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) awardTradePoints(ctx context.Context, userID string, txType domain.TransactionType) {
	if err := s.ledger.AwardPoints(ctx, userID, s.pointsPerTrade, txType, "trade activity"); err != nil {
		s.logger.WarnContext(ctx, "market_service: points award failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "market_service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) busy(err error) error {
	if errors.Is(err, domain.ErrEngineBusy) {
		s.metrics.EngineBusyTotal.Inc()
	}
	return err
}

// fault records an invariant violation that requires operator attention and
// raises it on the engine_fault channel so the hub and notifier see it.
func (s *MarketService) fault(ctx context.Context, msg string, err error) {
	s.metrics.LedgerFaultsTotal.Inc()
	s.logger.ErrorContext(ctx, "market_service: "+msg,
		slog.String("error", err.Error()),
	)
	s.publish(ctx, "engine_fault", map[string]any{
		"event":  "engine_fault",
		"source": "market_service",
		"detail": msg,
		"error":  err.Error(),
	})
}
