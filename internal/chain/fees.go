package chain

import "math/big"

// NextFees computes the priority fee and max fee to use for a retry attempt.
// attempt 0 uses the base fees unmodified; each subsequent attempt escalates
// both by retryFeeIncrementFraction, compounding, so a stuck transaction's
// replacement always clears the previous one's tip (spec §4.5 retry control
// flow).
func NextFees(attempt int, basePriorityFee, gasPrice *big.Int, retryFeeIncrementFraction float64) (maxPriorityFeePerGas, maxFeePerGas *big.Int) {
	if attempt <= 0 {
		return new(big.Int).Set(basePriorityFee), new(big.Int).Set(gasPrice)
	}

	factor := 1.0
	for i := 0; i < attempt; i++ {
		factor *= 1.0 + retryFeeIncrementFraction
	}

	maxPriorityFeePerGas = scaleBigInt(basePriorityFee, factor)
	maxFeePerGas = scaleBigInt(gasPrice, factor)
	return maxPriorityFeePerGas, maxFeePerGas
}

// scaleBigInt multiplies v by a floating-point factor, rounding via
// big.Float to avoid the precision loss of a plain float64 conversion for
// values beyond 2^53.
func scaleBigInt(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
