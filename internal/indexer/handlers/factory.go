package handlers

import (
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/validators"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSkippedStatefulOrders drops stateful order events for the listed order
// uuids. It exists to step over orders the chain emitted malformed state for.
func WithSkippedStatefulOrders(orderUUIDs []string) FactoryOption {
	return func(f *Factory) {
		for _, id := range orderUUIDs {
			f.skipStatefulOrders[id] = struct{}{}
		}
	}
}

// Factory creates the handlers of one validated event. It performs no I/O.
type Factory struct {
	logger             logging.ServiceLogger
	skipStatefulOrders map[string]struct{}
}

// NewFactory returns a Factory.
func NewFactory(logger logging.ServiceLogger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	f := &Factory{
		logger:             logger.With(logging.LogFields{"component": "handlers.Factory"}),
		skipStatefulOrders: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create returns the handlers for ev in execution order. txID identifies the
// transaction that emitted the event.
func (f *Factory) Create(ev *validators.ValidatedEvent, txID string) []Handler {
	return events.Visit[[]Handler](ev.Payload(), &fanout{factory: f, b: base{ev: ev, txID: txID}})
}

// fanout implements events.Visitor so every payload type must map to handlers.
type fanout struct {
	factory *Factory
	b       base
}

var _ events.Visitor[[]Handler] = (*fanout)(nil)

func (v *fanout) VisitAsset(e *events.AssetCreateEvent) []Handler {
	return []Handler{&assetHandler{base: v.b, event: e}}
}

func (v *fanout) VisitMarket(e *events.MarketEvent) []Handler {
	return []Handler{&marketHandler{base: v.b, event: e}}
}

func (v *fanout) VisitTransfer(e *events.TransferEvent) []Handler {
	return []Handler{&transferHandler{base: v.b, event: e}}
}

func (v *fanout) VisitSubaccountUpdate(e *events.SubaccountUpdateEvent) []Handler {
	return []Handler{&subaccountUpdateHandler{base: v.b, event: e}}
}

func (v *fanout) VisitStatefulOrder(e *events.StatefulOrderEvent) []Handler {
	orderUUID := e.OrderUUID()
	if _, skip := v.factory.skipStatefulOrders[orderUUID]; skip {
		v.factory.logger.Info("Skipping stateful order event", logging.LogFields{
			"orderId":     orderUUID,
			"blockHeight": v.b.ev.Height(),
		})
		return nil
	}
	return []Handler{&statefulOrderHandler{base: v.b, event: e, orderUUID: orderUUID}}
}

func (v *fanout) VisitFunding(e *events.FundingEvent) []Handler {
	return []Handler{&fundingHandler{base: v.b, event: e}}
}

func (v *fanout) VisitDeleveraging(e *events.DeleveragingEvent) []Handler {
	return []Handler{
		&deleveragingHandler{base: v.b, event: e, liquidity: store.LiquidityTaker},
		&deleveragingHandler{base: v.b, event: e, liquidity: store.LiquidityMaker},
	}
}

func (v *fanout) VisitOrderFill(e *events.OrderFillEvent) []Handler {
	return []Handler{
		&orderFillHandler{base: v.b, event: e, liquidity: store.LiquidityMaker},
		&orderFillHandler{base: v.b, event: e, liquidity: store.LiquidityTaker},
	}
}

func (v *fanout) VisitRegisterAffiliate(e *events.RegisterAffiliateEvent) []Handler {
	return []Handler{&registerAffiliateHandler{base: v.b, event: e}}
}

func (v *fanout) VisitUpsertVault(e *events.UpsertVaultEvent) []Handler {
	return []Handler{&upsertVaultHandler{base: v.b, event: e}}
}

func (v *fanout) VisitUpdateYieldParams(e *events.UpdateYieldParamsEvent) []Handler {
	return []Handler{&yieldParamsHandler{base: v.b, event: e}}
}

func (v *fanout) VisitPerpetualMarket(e *events.PerpetualMarketCreateEvent) []Handler {
	return []Handler{&perpetualMarketHandler{base: v.b, event: e}}
}

func (v *fanout) VisitUpdatePerpetual(e *events.UpdatePerpetualEvent) []Handler {
	return []Handler{&updatePerpetualHandler{base: v.b, event: e}}
}
