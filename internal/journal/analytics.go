package journal

import "time"

// Summary is the post-trade analytics rollup over closed trades.
type Summary struct {
	TotalTrades  int                   `json:"totalTrades"`
	Wins         int                   `json:"wins"`
	Losses       int                   `json:"losses"`
	WinRate      float64               `json:"winRate"`
	NetPnl       float64               `json:"netPnl"`
	GrossProfit  float64               `json:"grossProfit"`
	GrossLoss    float64               `json:"grossLoss"`
	ProfitFactor float64               `json:"profitFactor"`
	MaxDrawdown  float64               `json:"maxDrawdown"`
	ByExitReason map[string]ReasonStat `json:"byExitReason"`
}

// ReasonStat aggregates trades sharing one exit reason.
type ReasonStat struct {
	Count int     `json:"count"`
	Pnl   float64 `json:"pnl"`
}

// Summarize computes analytics over trades closed within [start, end),
// in close order.
func (j *SQLite) Summarize(start, end time.Time) (Summary, error) {
	rows, err := j.db.Query(`
		SELECT realized_pnl, exit_reason FROM trades
		WHERE close_at IS NOT NULL AND close_at >= ? AND close_at < ?
		ORDER BY close_at ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	s := Summary{ByExitReason: make(map[string]ReasonStat)}
	var equity, peak float64

	for rows.Next() {
		var pnl float64
		var reason string
		if err := rows.Scan(&pnl, &reason); err != nil {
			return Summary{}, err
		}

		s.TotalTrades++
		s.NetPnl += pnl
		if pnl >= 0 {
			s.Wins++
			s.GrossProfit += pnl
		} else {
			s.Losses++
			s.GrossLoss += -pnl
		}

		rs := s.ByExitReason[reason]
		rs.Count++
		rs.Pnl += pnl
		s.ByExitReason[reason] = rs

		equity += pnl
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	return s, nil
}
