package analytics

import (
	"math"
	"sort"
	"time"

	"DerivRecon/internal/event"
	"DerivRecon/internal/pnl"
)

// Summary holds the executive KPIs computed over a closed-position ledger.
type Summary struct {
	TotalPnL    float64       `json:"total_pnl"`
	TotalFees   float64       `json:"total_fees"`
	TradeCount  int           `json:"trade_count"`
	WinRate     float64       `json:"win_rate"`
	AvgWin      float64       `json:"avg_win"`
	AvgLoss     float64       `json:"avg_loss"`
	BestTrade   float64       `json:"best_trade"`
	WorstTrade  float64       `json:"worst_trade"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
	LongRatio   float64       `json:"long_ratio"`
	ShortRatio  float64       `json:"short_ratio"`
	MaxDrawdown float64       `json:"max_drawdown"`
	Sharpe      float64       `json:"sharpe"`
	Sortino     float64       `json:"sortino"`
}

// Summarize computes KPIs over the closed-position ledger. Ratio and
// average fields are zero when the ledger is empty; Sharpe and Sortino
// need at least two daily returns.
func Summarize(closed []pnl.ClosedPosition) Summary {
	var s Summary
	s.TradeCount = len(closed)
	if len(closed) == 0 {
		return s
	}

	var wins, losses int
	var winSum, lossSum float64
	var longs int
	var totalDuration time.Duration

	s.BestTrade = closed[0].NetPnL
	s.WorstTrade = closed[0].NetPnL

	for _, cp := range closed {
		s.TotalPnL += cp.NetPnL
		s.TotalFees += cp.Fees
		totalDuration += cp.CloseTime.Sub(cp.OpenTime)

		if cp.NetPnL > 0 {
			wins++
			winSum += cp.NetPnL
		} else if cp.NetPnL < 0 {
			losses++
			lossSum += cp.NetPnL
		}
		if cp.NetPnL > s.BestTrade {
			s.BestTrade = cp.NetPnL
		}
		if cp.NetPnL < s.WorstTrade {
			s.WorstTrade = cp.NetPnL
		}
		if cp.Side == event.SideBuy || cp.Side == event.SideLong {
			longs++
		}
	}

	n := float64(len(closed))
	s.WinRate = float64(wins) / n
	if wins > 0 {
		s.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		s.AvgLoss = lossSum / float64(losses)
	}
	s.AvgDuration = totalDuration / time.Duration(len(closed))
	s.LongRatio = float64(longs) / n
	s.ShortRatio = float64(len(closed)-longs) / n

	daily := dailyPnL(closed)
	s.MaxDrawdown = maxDrawdown(daily)
	s.Sharpe = sharpe(daily, false)
	s.Sortino = sharpe(daily, true)

	return s
}

// dailyPnL sums net pnl per UTC close date and returns the series in
// date order.
func dailyPnL(closed []pnl.ClosedPosition) []float64 {
	byDate := make(map[string]float64)
	for _, cp := range closed {
		byDate[cp.CloseTime.UTC().Format("2006-01-02")] += cp.NetPnL
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	series := make([]float64, len(dates))
	for i, d := range dates {
		series[i] = byDate[d]
	}
	return series
}

// maxDrawdown is the largest peak-to-trough drop of the cumulative daily
// pnl curve, returned as a non-negative number.
func maxDrawdown(daily []float64) float64 {
	var cum, peak, worst float64
	for _, v := range daily {
		cum += v
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpe computes the Sharpe ratio of the daily pnl series, or Sortino
// when downsideOnly is set (deviation over negative returns only). Uses
// the sample standard deviation. Zero when the series is too short or
// the deviation is zero.
func sharpe(daily []float64, downsideOnly bool) float64 {
	if len(daily) < 2 {
		return 0
	}
	var mean float64
	for _, v := range daily {
		mean += v
	}
	mean /= float64(len(daily))

	var sumSq float64
	var count int
	for _, v := range daily {
		if downsideOnly {
			if v >= 0 {
				continue
			}
			sumSq += v * v
			count++
		} else {
			d := v - mean
			sumSq += d * d
			count++
		}
	}
	if count < 2 {
		return 0
	}
	std := math.Sqrt(sumSq / float64(count-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
