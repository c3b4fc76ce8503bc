package indicators

import "math"

// Bands are Bollinger bands around a simple moving average.
type Bands struct {
	Upper float64
	Mid   float64
	Lower float64
}

// Bollinger uses the population standard deviation of the last period values.
func Bollinger(values []float64, period int, k float64) (Bands, error) {
	mid, err := SMA(values, period)
	if err != nil {
		return Bands{}, err
	}
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return Bands{Upper: mid + k*sd, Mid: mid, Lower: mid - k*sd}, nil
}
