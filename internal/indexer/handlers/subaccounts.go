package handlers

import (
	"context"

	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/runtime/ids"
)

// upsertSubaccount records the subaccount and its owning wallet.
func (b base) upsertSubaccount(ctx context.Context, env *Env, sub events.SubaccountID) error {
	if err := env.Tx.UpsertSubaccount(ctx, store.Subaccount{
		ID:              sub.UUID(),
		Address:         sub.Owner,
		Number:          sub.Number,
		UpdatedAt:       b.ev.BlockTime(),
		UpdatedAtHeight: b.ev.Height(),
	}); err != nil {
		return err
	}
	return env.Tx.UpsertWallet(ctx, store.Wallet{Address: sub.Owner})
}

type transferHandler struct {
	base
	event *events.TransferEvent
}

func sideKey(s *events.SourceOfFunds) string {
	if s.SubaccountID != nil {
		return subaccountKey(s.SubaccountID.UUID())
	}
	return walletKey(s.Address)
}

func (h *transferHandler) ParallelizationKeys() []string {
	sender, recipient := sideKey(h.event.Sender), sideKey(h.event.Recipient)
	if sender == recipient {
		return []string{sender}
	}
	return []string{sender, recipient}
}

func (h *transferHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	asset, err := env.asset(e.AssetID)
	if err != nil {
		return nil, err
	}
	size := QuantumsToSize(e.Amount, asset.AtomicResolution)

	row := store.Transfer{
		ID:              h.rowID("transfer"),
		AssetID:         e.AssetID,
		Size:            size,
		EventID:         h.ev.EventID().Hex(),
		TransactionHash: h.ev.TransactionHash(),
		CreatedAt:       h.ev.BlockTime(),
		CreatedAtHeight: h.ev.Height(),
	}
	for _, side := range []struct {
		src    *events.SourceOfFunds
		subID  *string
		wallet *string
	}{
		{e.Sender, &row.SenderSubaccountID, &row.SenderWallet},
		{e.Recipient, &row.RecipientSubaccountID, &row.RecipientWallet},
	} {
		if side.src.SubaccountID != nil {
			if err := h.upsertSubaccount(ctx, env, *side.src.SubaccountID); err != nil {
				return nil, err
			}
			*side.subID = side.src.SubaccountID.UUID()
			continue
		}
		if err := env.Tx.UpsertWallet(ctx, store.Wallet{Address: side.src.Address}); err != nil {
			return nil, err
		}
		*side.wallet = side.src.Address
	}
	if err := env.Tx.InsertTransfer(ctx, row); err != nil {
		return nil, err
	}

	content := notify.TransferContent{
		Sender:          party(e.Sender),
		Recipient:       party(e.Recipient),
		Symbol:          asset.Symbol,
		Size:            size.String(),
		TransactionHash: h.ev.TransactionHash(),
		CreatedAt:       FormatTime(h.ev.BlockTime()),
		CreatedAtHeight: formatHeight(h.ev.Height()),
	}

	var out []notify.Notification
	if e.Sender.SubaccountID != nil {
		c := content
		c.Type = notify.TransferTypeWithdrawal
		if e.Recipient.SubaccountID != nil {
			c.Type = notify.TransferTypeTransferOut
		}
		n, err := h.subaccountNotification(*e.Sender.SubaccountID, notify.SubaccountContents{Transfers: &c})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if e.Recipient.SubaccountID != nil {
		c := content
		c.Type = notify.TransferTypeDeposit
		if e.Sender.SubaccountID != nil {
			c.Type = notify.TransferTypeTransferIn
		}
		n, err := h.subaccountNotification(*e.Recipient.SubaccountID, notify.SubaccountContents{Transfers: &c})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func party(s *events.SourceOfFunds) notify.TransferParty {
	if s.SubaccountID == nil {
		return notify.TransferParty{Address: s.Address}
	}
	number := s.SubaccountID.Number
	return notify.TransferParty{Address: s.SubaccountID.Owner, SubaccountNumber: &number}
}

type subaccountUpdateHandler struct {
	base
	event *events.SubaccountUpdateEvent
}

func (h *subaccountUpdateHandler) ParallelizationKeys() []string {
	id := h.event.SubaccountID.UUID()
	return []string{subaccountKey(id), subaccountOrderFillKey(id)}
}

func (h *subaccountUpdateHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	sub := *h.event.SubaccountID
	subUUID := sub.UUID()
	if err := h.upsertSubaccount(ctx, env, sub); err != nil {
		return nil, err
	}

	var contents notify.SubaccountContents
	for _, u := range h.event.UpdatedPerpetualPositions {
		pm, err := env.perpetualMarket(ctx, u.PerpetualID)
		if err != nil {
			return nil, err
		}
		pos := store.PerpetualPosition{
			ID:              ids.Derive(subUUID, "perpetual", formatUint32(u.PerpetualID)),
			SubaccountID:    subUUID,
			PerpetualID:     u.PerpetualID,
			Size:            SignedQuantumsToSize(u.Quantums, pm.AtomicResolution),
			FundingIndex:    u.FundingIndex,
			UpdatedAtHeight: h.ev.Height(),
		}
		if err := env.Tx.UpsertPerpetualPosition(ctx, pos); err != nil {
			return nil, err
		}
		contents.PerpetualPositions = append(contents.PerpetualPositions, notify.PerpetualPositionContent{
			Address:          sub.Owner,
			SubaccountNumber: sub.Number,
			PositionID:       pos.ID,
			PerpetualID:      formatUint32(u.PerpetualID),
			Ticker:           pm.Ticker,
			Size:             pos.Size.String(),
			FundingIndex:     FundingIndexToHuman(u.FundingIndex, pm.AtomicResolution).String(),
		})
	}

	for _, u := range h.event.UpdatedAssetPositions {
		asset, err := env.asset(u.AssetID)
		if err != nil {
			return nil, err
		}
		pos := store.AssetPosition{
			ID:              ids.Derive(subUUID, "asset", formatUint32(u.AssetID)),
			SubaccountID:    subUUID,
			AssetID:         u.AssetID,
			Size:            SignedQuantumsToSize(u.Quantums, asset.AtomicResolution),
			UpdatedAtHeight: h.ev.Height(),
		}
		if err := env.Tx.UpsertAssetPosition(ctx, pos); err != nil {
			return nil, err
		}
		contents.AssetPositions = append(contents.AssetPositions, notify.AssetPositionContent{
			Address:          sub.Owner,
			SubaccountNumber: sub.Number,
			PositionID:       pos.ID,
			AssetID:          formatUint32(u.AssetID),
			Symbol:           asset.Symbol,
			Size:             pos.Size.String(),
		})
	}

	n, err := h.subaccountNotification(sub, contents)
	if err != nil {
		return nil, err
	}
	return []notify.Notification{n}, nil
}
