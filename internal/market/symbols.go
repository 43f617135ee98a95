package market

import (
	"fmt"
	"strings"
)

const swapSuffix = "SWAP"

// SplitSwapID splits a perpetual identifier such as "BTC-USDT-SWAP" into its
// base and quote currencies.
func SplitSwapID(swapInstID string) (base, quote string, err error) {
	parts := strings.Split(strings.TrimSpace(swapInstID), "-")
	if len(parts) != 3 || parts[2] != swapSuffix || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid swap instrument id %q", swapInstID)
	}
	return parts[0], parts[1], nil
}

// SpotIDFromSwap derives the spot pair straight from the swap identifier.
func SpotIDFromSwap(swapInstID string) (string, error) {
	base, quote, err := SplitSwapID(swapInstID)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}
