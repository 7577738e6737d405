package handlers

import (
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/store"
)

// QuoteCurrencyAtomicResolution is the exponent of one quote quantum (USDC).
const QuoteCurrencyAtomicResolution int32 = -6

func fromUint(v uint64, exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), exp)
}

// QuantumsToSize converts base quantums into a human size.
func QuantumsToSize(quantums uint64, atomicResolution int32) decimal.Decimal {
	return fromUint(quantums, atomicResolution)
}

// SignedQuantumsToSize converts a signed position into a human size.
func SignedQuantumsToSize(quantums int64, atomicResolution int32) decimal.Decimal {
	return decimal.New(quantums, atomicResolution)
}

// SubticksToPrice converts order subticks into a human price:
// subticks * 10^(quantumConversionExponent - atomicResolution + quoteAtomicResolution).
func SubticksToPrice(subticks uint64, pm store.PerpetualMarket) decimal.Decimal {
	return fromUint(subticks, pm.QuantumConversionExponent-pm.AtomicResolution+QuoteCurrencyAtomicResolution)
}

// QuoteQuantumsToAmount converts quote quantums into USDC.
func QuoteQuantumsToAmount(quantums uint64) decimal.Decimal {
	return fromUint(quantums, QuoteCurrencyAtomicResolution)
}

// FeeQuantumsToAmount converts a fee, which is negative for rebates.
func FeeQuantumsToAmount(quantums int64) decimal.Decimal {
	return decimal.New(quantums, QuoteCurrencyAtomicResolution)
}

// OraclePrice converts an exponent-scaled oracle price into a human price.
func OraclePrice(priceWithExponent uint64, exponent int32) decimal.Decimal {
	return fromUint(priceWithExponent, exponent)
}

// PpmToRate converts parts per million into a rate.
func PpmToRate(ppm int32) decimal.Decimal {
	return decimal.New(int64(ppm), -6)
}

// FundingIndexToHuman converts a funding index, expressed in parts per million
// of quote quantums per base quantum, into quote per unit of base.
func FundingIndexToHuman(index int64, atomicResolution int32) decimal.Decimal {
	return decimal.New(index, atomicResolution-QuoteCurrencyAtomicResolution-6)
}

// FormatTime renders t the way notification payloads carry timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func formatHeight(h uint64) string {
	return strconv.FormatUint(h, 10)
}

func formatUint32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func isBuySide(isBuy bool) string {
	if isBuy {
		return events.OrderSideBuy.String()
	}
	return events.OrderSideSell.String()
}
