package indicators

// RSI computes Wilder's Relative Strength Index of the last value.
// A flat series is 50; a series without losses is 100.
func RSI(values []float64, period int) (float64, error) {
	if err := checkPeriod("rsi", period); err != nil {
		return 0, err
	}
	if len(values) < period+1 {
		return 0, insufficient("rsi", period+1, len(values))
	}

	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		g, l := split(values[i] - values[i-1])
		gain += g
		loss += l
	}
	p := float64(period)
	avgGain, avgLoss := gain/p, loss/p

	for i := period + 1; i < len(values); i++ {
		g, l := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}
