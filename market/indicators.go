package market

// ComputeIndicators derives SMA, RSI, MACD and period changes from closing
// prices ordered oldest first. Fewer than five closes yield zero indicators.
func ComputeIndicators(closes []float64) Indicators {
	n := len(closes)
	if n < 5 {
		return Indicators{}
	}
	last := closes[n-1]

	ind := Indicators{
		SMA5:  sma(closes, 5),
		SMA10: sma(closes, 10),
		SMA20: sma(closes, 20),
		RSI14: rsi(closes, 14),
		MACD:  ema(closes, 12) - ema(closes, 26),
	}
	if n >= 7 && closes[n-7] > 0 {
		ind.Change7d = (last - closes[n-7]) / closes[n-7] * 100
	}
	if closes[0] > 0 {
		ind.Change30d = (last - closes[0]) / closes[0] * 100
	}
	return ind
}

// sma falls back to the last close when there is not enough history.
func sma(closes []float64, period int) float64 {
	n := len(closes)
	if n < period {
		return closes[n-1]
	}
	sum := 0.0
	for _, c := range closes[n-period:] {
		sum += c
	}
	return sum / float64(period)
}

// rsi uses simple averages over the last period changes; 50 when history is short.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period {
		return 50
	}
	gains := make([]float64, 0, len(closes)-1)
	losses := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}
	avgGain := tailMean(gains, period)
	avgLoss := tailMean(losses, period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func tailMean(values []float64, period int) float64 {
	if len(values) > period {
		values = values[len(values)-period:]
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(period)
}

// ema seeds with the SMA of the first period closes.
func ema(closes []float64, period int) float64 {
	if len(closes) < period {
		sum := 0.0
		for _, c := range closes {
			sum += c
		}
		return sum / float64(len(closes))
	}
	k := 2.0 / float64(period+1)
	value := 0.0
	for _, c := range closes[:period] {
		value += c
	}
	value /= float64(period)
	for _, c := range closes[period:] {
		value = (c-value)*k + value
	}
	return value
}
