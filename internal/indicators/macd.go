package indicators

// MACDResult is the latest MACD line, signal and histogram.
type MACDResult struct {
	Line   float64
	Signal float64
	Hist   float64
}

// MACD computes line = EMA(fast) - EMA(slow) and signal = EMA(signal) of the line.
func MACD(values []float64, fast, slow, signal int) (MACDResult, error) {
	for _, p := range []int{fast, slow, signal} {
		if err := checkPeriod("macd", p); err != nil {
			return MACDResult{}, err
		}
	}
	need := max(fast, slow, signal)
	if len(values) < need {
		return MACDResult{}, insufficient("macd", need, len(values))
	}

	fastEMA, err := EMA(values, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowEMA, err := EMA(values, slow)
	if err != nil {
		return MACDResult{}, err
	}
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig, err := EMA(line, signal)
	if err != nil {
		return MACDResult{}, err
	}

	last := len(values) - 1
	return MACDResult{
		Line:   line[last],
		Signal: sig[last],
		Hist:   line[last] - sig[last],
	}, nil
}
