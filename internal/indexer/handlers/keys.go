package handlers

import "fmt"

// Parallelization keys follow <eventType>_<entityId>. Two handlers conflict
// when they share any key.

func assetKey(id uint32) string  { return fmt.Sprintf("asset_%d", id) }
func marketKey(id uint32) string { return fmt.Sprintf("market_%d", id) }

func subaccountKey(subaccountUUID string) string { return "subaccount_" + subaccountUUID }
func walletKey(address string) string            { return "wallet_" + address }

func subaccountOrderFillKey(subaccountUUID string) string {
	return "subaccount_order_fill_" + subaccountUUID
}

func statefulOrderKey(orderUUID string) string { return "stateful_order_" + orderUUID }

func statefulOrderFillKey(orderUUID string) string {
	return "stateful_order_order_fill_" + orderUUID
}

func orderFillKey(subaccountUUID string, clobPairID uint32) string {
	return fmt.Sprintf("order_fill_%s_%d", subaccountUUID, clobPairID)
}

func deleveragingKey(subaccountUUID string, perpetualID uint32) string {
	return fmt.Sprintf("deleveraging_%s_%d", subaccountUUID, perpetualID)
}

func fundingKey(perpetualID uint32) string { return fmt.Sprintf("funding_%d", perpetualID) }
func affiliateKey(referee string) string   { return "affiliate_" + referee }
func vaultKey(address string) string       { return "vault_" + address }
func perpetualMarketKey(id uint32) string  { return fmt.Sprintf("perpetual_market_%d", id) }

const yieldParamsKey = "yield_params"
