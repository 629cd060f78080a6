package analytics

import (
	"sort"
	"time"

	"github.com/votewave/votewave/pkg/db/models"
)

// Series is the time-bucketed view of a poll's voting activity.
type Series struct {
	TotalVotes int            `json:"totalVotes"`
	Timeframe  string         `json:"timeframe"`
	Hourly     map[string]int `json:"hourlyData"`
	// OptionCounts maps option id to votes inside the timeframe.
	OptionCounts map[string]int `json:"optionCounts"`
	// Velocity is the vote delta between the last two active hours.
	Velocity int    `json:"velocity"`
	PeakHour string `json:"peakHour,omitempty"`
}

// TimeframeWindow maps the creator-facing timeframe labels to durations.
// Unknown labels fall back to 24h.
func TimeframeWindow(timeframe string) time.Duration {
	switch timeframe {
	case "1h":
		return time.Hour
	case "6h":
		return 6 * time.Hour
	case "24h":
		return 24 * time.Hour
	case "7d":
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// BuildSeries buckets votes by hour over the timeframe ending at now.
// Samples must be ordered oldest first.
func BuildSeries(samples []models.VoteSample, timeframe string, now time.Time) *Series {
	start := now.Add(-TimeframeWindow(timeframe))

	s := &Series{
		Timeframe:    timeframe,
		Hourly:       make(map[string]int),
		OptionCounts: make(map[string]int),
	}

	for _, sm := range samples {
		if sm.CreatedAt.Before(start) {
			continue
		}
		s.TotalVotes++
		hour := sm.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		s.Hourly[hour]++
		s.OptionCounts[sm.OptionID]++
	}

	hours := make([]string, 0, len(s.Hourly))
	for hour := range s.Hourly {
		hours = append(hours, hour)
	}
	sort.Strings(hours)

	if len(hours) >= 2 {
		s.Velocity = s.Hourly[hours[len(hours)-1]] - s.Hourly[hours[len(hours)-2]]
	}
	for _, hour := range hours {
		if s.PeakHour == "" || s.Hourly[hour] > s.Hourly[s.PeakHour] {
			s.PeakHour = hour
		}
	}
	return s
}
