package services

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// SolDecimals são os decimais do SOL nativo (1 SOL = 10^9 lamports).
const SolDecimals = 9

var maxUint64 = fromUint64(math.MaxUint64)

// ParseAmount converte um valor em unidades do token ("1.5") para unidades base.
func ParseAmount(ui string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(ui)
	if err != nil {
		return 0, fmt.Errorf("valor %q inválido (%v): %w", ui, err, ErrInvalidAmount)
	}
	base := d.Shift(int32(decimals))
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("valor %q tem mais casas que os %d decimais do token: %w", ui, decimals, ErrInvalidAmount)
	}
	if !base.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if base.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("valor %q excede o máximo representável: %w", ui, ErrInvalidAmount)
	}
	return base.BigInt().Uint64(), nil
}

// FormatAmount devolve o valor em unidades base como string decimal legível.
func FormatAmount(amount uint64, decimals uint8) string {
	return fromUint64(amount).Shift(-int32(decimals)).String()
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
