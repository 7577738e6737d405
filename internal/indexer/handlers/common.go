package handlers

import (
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/runtime/ids"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// rowID derives the identifier of a row written for this event.
func (b base) rowID(parts ...string) string {
	return ids.EventScoped(b.ev.EventID(), parts...)
}

func (b base) logFields() logging.LogFields {
	c := b.ev.Coordinates()
	return logging.LogFields{
		"subtype":          b.ev.Subtype(),
		"blockHeight":      c.Height,
		"transactionIndex": c.TransactionIndex,
		"eventIndex":       c.EventIndex,
		"transactionId":    b.txID,
	}
}

func (b base) subaccountNotification(sub events.SubaccountID, contents notify.SubaccountContents) (notify.Notification, error) {
	c := b.ev.Coordinates()
	return notify.Subaccount(sub.UUID(), notify.SubaccountMessage{
		BlockHeight:      formatHeight(c.Height),
		TransactionIndex: c.TransactionIndex,
		EventIndex:       c.EventIndex,
		SubaccountID:     notify.SubaccountID{Owner: sub.Owner, Number: sub.Number},
		Contents:         contents,
	})
}

func (b base) tradeNotification(clobPairID uint32, trade notify.TradeContent) (notify.Notification, error) {
	n, err := notify.Trade(notify.TradeMessage{
		BlockHeight: formatHeight(b.ev.Height()),
		ClobPairID:  formatUint32(clobPairID),
		Contents:    notify.TradeContents{Trades: []notify.TradeContent{trade}},
	})
	if err != nil {
		return notify.Notification{}, err
	}
	c := b.ev.Coordinates()
	return n.At(c.TransactionIndex, c.EventIndex), nil
}
