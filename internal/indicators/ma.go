package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) (float64, error) {
	if err := checkPeriod("sma", period); err != nil {
		return 0, err
	}
	if len(values) < period {
		return 0, insufficient("sma", period, len(values))
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average series, seeded with the first
// value and smoothed with alpha = 2/(period+1).
func EMA(values []float64, period int) ([]float64, error) {
	if err := checkPeriod("ema", period); err != nil {
		return nil, err
	}
	if len(values) < period {
		return nil, insufficient("ema", period, len(values))
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out, nil
}
