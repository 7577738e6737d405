package handlers

import (
	"context"

	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/store"
)

type registerAffiliateHandler struct {
	base
	event *events.RegisterAffiliateEvent
}

func (h *registerAffiliateHandler) ParallelizationKeys() []string {
	return []string{affiliateKey(h.event.Referee)}
}

func (h *registerAffiliateHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	return nil, env.Tx.UpsertAffiliateReferral(ctx, store.AffiliateReferral{
		RefereeAddress:   h.event.Referee,
		AffiliateAddress: h.event.Affiliate,
		ReferredAtHeight: h.ev.Height(),
	})
}

type upsertVaultHandler struct {
	base
	event *events.UpsertVaultEvent
}

func (h *upsertVaultHandler) ParallelizationKeys() []string {
	return []string{vaultKey(h.event.Address)}
}

func (h *upsertVaultHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	return nil, env.Tx.UpsertVault(ctx, store.Vault{
		Address:    h.event.Address,
		ClobPairID: h.event.ClobPairID,
		Status:     int32(h.event.Status),
		UpdatedAt:  h.ev.BlockTime(),
	})
}

type yieldParamsHandler struct {
	base
	event *events.UpdateYieldParamsEvent
}

func (h *yieldParamsHandler) ParallelizationKeys() []string {
	return []string{yieldParamsKey}
}

func (h *yieldParamsHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	return nil, env.Tx.InsertYieldParams(ctx, store.YieldParams{
		ID:              h.rowID("yield_params"),
		SDAIPrice:       h.event.SDAIPrice,
		AssetYieldIndex: h.event.AssetYieldIndex,
		CreatedAt:       h.ev.BlockTime(),
		CreatedAtHeight: h.ev.Height(),
	})
}
