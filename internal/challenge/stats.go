package challenge

import "time"

// Stats aggregates every result recorded by a tracker.
type Stats struct {
	Attempts       int           `json:"attempts"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	SuccessRate    float64       `json:"success_rate"`
	AverageScore   float64       `json:"average_score"`
	BestScore      float64       `json:"best_score"`
	TotalTimeSpent time.Duration `json:"total_time_spent"`
}

// Stats computes aggregate statistics over the result history.
func (t *Tracker) Stats() Stats {
	var s Stats
	var scoreSum float64
	for _, r := range t.history {
		s.Attempts++
		if r.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		scoreSum += r.Score
		if r.Score > s.BestScore {
			s.BestScore = r.Score
		}
		s.TotalTimeSpent += r.TimeSpent
	}
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
		s.AverageScore = scoreSum / float64(s.Attempts)
	}
	return s
}
