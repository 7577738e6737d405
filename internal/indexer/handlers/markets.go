package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/store"
)

type assetHandler struct {
	base
	event *events.AssetCreateEvent
}

func (h *assetHandler) ParallelizationKeys() []string {
	return []string{assetKey(h.event.ID)}
}

func (h *assetHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	a := store.Asset{
		ID:               h.event.ID,
		Symbol:           h.event.Symbol,
		HasMarket:        h.event.HasMarket,
		MarketID:         h.event.MarketID,
		AtomicResolution: h.event.AtomicResolution,
	}
	if err := env.Tx.UpsertAsset(ctx, a); err != nil {
		return nil, err
	}
	env.stageAsset(a)
	return nil, nil
}

type marketHandler struct {
	base
	event *events.MarketEvent
}

func (h *marketHandler) ParallelizationKeys() []string {
	return []string{marketKey(h.event.MarketID)}
}

func (h *marketHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	existing, found, err := env.Tx.FindMarket(ctx, e.MarketID)
	if err != nil {
		return nil, err
	}

	switch {
	case e.MarketCreate != nil:
		m := store.Market{
			ID:                e.MarketID,
			Pair:              e.MarketCreate.Base.Pair,
			Exponent:          e.MarketCreate.Exponent,
			MinPriceChangePpm: e.MarketCreate.Base.MinPriceChangePpm,
		}
		if found {
			// A replayed create must not wipe a price set by a later block.
			m.OraclePrice = existing.OraclePrice
		}
		if err := env.Tx.UpsertMarket(ctx, m); err != nil {
			return nil, err
		}
		env.stageMarket(m)
		return nil, nil

	case e.MarketModify != nil:
		if !found {
			return nil, fmt.Errorf("%w: market %d", ErrUnknownMarket, e.MarketID)
		}
		existing.Pair = e.MarketModify.Base.Pair
		existing.MinPriceChangePpm = e.MarketModify.Base.MinPriceChangePpm
		if err := env.Tx.UpsertMarket(ctx, existing); err != nil {
			return nil, err
		}
		env.stageMarket(existing)
		return nil, nil
	}

	if !found {
		return nil, fmt.Errorf("%w: market %d", ErrUnknownMarket, e.MarketID)
	}
	price := OraclePrice(e.PriceUpdate.PriceWithExponent, existing.Exponent)
	existing.OraclePrice = price
	if err := env.Tx.UpsertMarket(ctx, existing); err != nil {
		return nil, err
	}
	if err := env.Tx.InsertOraclePrice(ctx, store.OraclePrice{
		ID:                h.rowID("oracle_price"),
		MarketID:          e.MarketID,
		Price:             price,
		EffectiveAt:       h.ev.BlockTime(),
		EffectiveAtHeight: h.ev.Height(),
	}); err != nil {
		return nil, err
	}
	env.stageMarket(existing)

	n, err := notify.Market(formatUint32(e.MarketID), notify.MarketMessage{
		Contents: notify.MarketContents{
			OraclePrices: map[string]notify.OraclePriceContent{
				existing.Pair: {
					OraclePrice:       price.String(),
					EffectiveAt:       FormatTime(h.ev.BlockTime()),
					EffectiveAtHeight: formatHeight(h.ev.Height()),
					MarketID:          e.MarketID,
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return []notify.Notification{n}, nil
}

type perpetualMarketHandler struct {
	base
	event *events.PerpetualMarketCreateEvent
}

func (h *perpetualMarketHandler) ParallelizationKeys() []string {
	return []string{perpetualMarketKey(h.event.ID)}
}

func (h *perpetualMarketHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	pm := store.PerpetualMarket{
		ID:                        e.ID,
		ClobPairID:                e.ClobPairID,
		Ticker:                    e.Ticker,
		MarketID:                  e.MarketID,
		Status:                    e.Status,
		QuantumConversionExponent: e.QuantumConversionExponent,
		AtomicResolution:          e.AtomicResolution,
		SubticksPerTick:           e.SubticksPerTick,
		StepBaseQuantums:          e.StepBaseQuantums,
		LiquidityTierID:           e.LiquidityTier,
	}
	if err := env.Tx.UpsertPerpetualMarket(ctx, pm); err != nil {
		return nil, err
	}
	env.stagePerpetualMarket(pm)
	return tradingNotification(pm)
}

type updatePerpetualHandler struct {
	base
	event *events.UpdatePerpetualEvent
}

func (h *updatePerpetualHandler) ParallelizationKeys() []string {
	return []string{perpetualMarketKey(h.event.ID)}
}

func (h *updatePerpetualHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	pm, err := env.perpetualMarket(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	pm.Ticker = e.Ticker
	pm.MarketID = e.MarketID
	pm.AtomicResolution = e.AtomicResolution
	pm.LiquidityTierID = e.LiquidityTier
	if err := env.Tx.UpsertPerpetualMarket(ctx, pm); err != nil {
		return nil, err
	}
	env.stagePerpetualMarket(pm)
	return tradingNotification(pm)
}

func tradingNotification(pm store.PerpetualMarket) ([]notify.Notification, error) {
	atomic, qce := pm.AtomicResolution, pm.QuantumConversionExponent
	n, err := notify.Market(perpetualMarketKey(pm.ID), notify.MarketMessage{
		Contents: notify.MarketContents{
			Trading: map[string]notify.TradingContent{
				pm.Ticker: {
					ID:                        formatUint32(pm.ID),
					ClobPairID:                formatUint32(pm.ClobPairID),
					Ticker:                    pm.Ticker,
					MarketID:                  pm.MarketID,
					AtomicResolution:          &atomic,
					QuantumConversionExponent: &qce,
					SubticksPerTick:           formatUint32(pm.SubticksPerTick),
					StepBaseQuantums:          formatHeight(pm.StepBaseQuantums),
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return []notify.Notification{n}, nil
}

type fundingHandler struct {
	base
	event *events.FundingEvent
}

func (h *fundingHandler) ParallelizationKeys() []string {
	keys := make([]string, 0, len(h.event.Updates))
	for _, u := range h.event.Updates {
		keys = append(keys, fundingKey(u.PerpetualID))
	}
	return keys
}

func (h *fundingHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	trading := map[string]notify.TradingContent{}
	for _, u := range h.event.Updates {
		pm, err := env.perpetualMarket(ctx, u.PerpetualID)
		if err != nil {
			return nil, err
		}
		rate := PpmToRate(u.FundingValuePpm)

		if h.event.Type == events.FundingTypePremiumSample {
			if env.Cache != nil {
				env.Cache.AddFundingSample(pm.Ticker, rate)
			}
			trading[pm.Ticker] = notify.TradingContent{
				ID:              formatUint32(pm.ID),
				Ticker:          pm.Ticker,
				MarketID:        pm.MarketID,
				NextFundingRate: rate.String(),
			}
			continue
		}

		index := FundingIndexToHuman(u.FundingIndex, pm.AtomicResolution)
		update := store.FundingIndexUpdate{
			ID:                h.rowID("funding", formatUint32(u.PerpetualID)),
			PerpetualID:       u.PerpetualID,
			EventID:           h.ev.EventID().Hex(),
			Rate:              rate,
			FundingIndex:      index,
			EffectiveAt:       h.ev.BlockTime(),
			EffectiveAtHeight: h.ev.Height(),
		}
		if m, err := env.market(ctx, pm.MarketID); err == nil {
			update.OraclePrice = m.OraclePrice
		}
		if err := env.Tx.InsertFundingIndexUpdate(ctx, update); err != nil {
			return nil, err
		}
		if env.Cache != nil {
			env.Cache.ClearFundingSamples(pm.Ticker)
		}
		trading[pm.Ticker] = notify.TradingContent{
			ID:           formatUint32(pm.ID),
			Ticker:       pm.Ticker,
			MarketID:     pm.MarketID,
			FundingIndex: index.String(),
		}
	}
	if len(trading) == 0 {
		return nil, nil
	}

	n, err := notify.Market("funding", notify.MarketMessage{Contents: notify.MarketContents{Trading: trading}})
	if err != nil {
		return nil, err
	}
	return []notify.Notification{n}, nil
}
