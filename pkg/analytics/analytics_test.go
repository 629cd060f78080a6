package analytics_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/analytics"
	"github.com/votewave/votewave/pkg/db/models"
)

func sample(device, ip string, at time.Time) models.VoteSample {
	return models.VoteSample{
		OptionID:   "opt-1",
		DeviceHash: device,
		IPHash:     ip,
		CreatedAt:  at,
	}
}

func TestDetectAnomaliesCleanPoll(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var samples []models.VoteSample
	for i := 0; i < 10; i++ {
		samples = append(samples, sample(
			fmt.Sprintf("dev-%d", i), fmt.Sprintf("ip-%d", i),
			base.Add(time.Duration(i)*time.Minute)))
	}

	report := analytics.DetectAnomalies(samples)
	require.Equal(t, 10, report.TotalVotes)
	require.Empty(t, report.SuspiciousDevices)
	require.Empty(t, report.SuspiciousIPs)
	require.Equal(t, 0, report.RapidPairs)
	require.Equal(t, 0, report.AnomalyScore)
}

func TestDetectAnomaliesClustering(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var samples []models.VoteSample

	// Four votes from one device (over the limit of 3), spaced out.
	for i := 0; i < 4; i++ {
		samples = append(samples, sample("dev-hot", fmt.Sprintf("ip-%d", i),
			base.Add(time.Duration(i)*time.Minute)))
	}
	// Six votes from one IP (over the limit of 5).
	for i := 0; i < 6; i++ {
		samples = append(samples, sample(fmt.Sprintf("dev-%d", i), "ip-hot",
			base.Add(time.Duration(10+i)*time.Minute)))
	}

	report := analytics.DetectAnomalies(samples)
	require.Len(t, report.SuspiciousDevices, 1)
	require.Equal(t, analytics.Cluster{Hash: "dev-hot", Count: 4}, report.SuspiciousDevices[0])
	require.Len(t, report.SuspiciousIPs, 1)
	require.Equal(t, analytics.Cluster{Hash: "ip-hot", Count: 6}, report.SuspiciousIPs[0])
	require.Equal(t, 0, report.RapidPairs)
	// 1 device cluster * 10 + 1 ip cluster * 15.
	require.Equal(t, 25, report.AnomalyScore)
}

func TestDetectAnomaliesRapidPairs(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	samples := []models.VoteSample{
		sample("d1", "i1", base),
		sample("d2", "i2", base.Add(2*time.Second)),  // rapid
		sample("d3", "i3", base.Add(4*time.Second)),  // rapid
		sample("d4", "i4", base.Add(time.Minute)),    // gap resets
		sample("d5", "i5", base.Add(time.Minute+3*time.Second)), // rapid
	}

	report := analytics.DetectAnomalies(samples)
	require.Equal(t, 3, report.RapidPairs)
	require.Equal(t, 15, report.AnomalyScore)
}

func TestDetectAnomaliesScoreCap(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	var samples []models.VoteSample
	// 50 votes one second apart: 49 rapid pairs, score capped at 100.
	for i := 0; i < 50; i++ {
		samples = append(samples, sample(fmt.Sprintf("d-%d", i), fmt.Sprintf("i-%d", i),
			base.Add(time.Duration(i)*time.Second)))
	}

	report := analytics.DetectAnomalies(samples)
	require.Equal(t, 49, report.RapidPairs)
	require.Equal(t, 100, report.AnomalyScore)
}

func TestDetectAnomaliesEmpty(t *testing.T) {
	report := analytics.DetectAnomalies(nil)
	require.Equal(t, 0, report.TotalVotes)
	require.Equal(t, 0, report.AnomalyScore)
}

func TestTimeframeWindow(t *testing.T) {
	require.Equal(t, time.Hour, analytics.TimeframeWindow("1h"))
	require.Equal(t, 6*time.Hour, analytics.TimeframeWindow("6h"))
	require.Equal(t, 24*time.Hour, analytics.TimeframeWindow("24h"))
	require.Equal(t, 7*24*time.Hour, analytics.TimeframeWindow("7d"))
	require.Equal(t, 24*time.Hour, analytics.TimeframeWindow("bogus"))
}

func TestBuildSeries(t *testing.T) {
	now := time.Date(2026, 8, 30, 15, 30, 0, 0, time.UTC)

	seriesSample := func(optionID string, at time.Time) models.VoteSample {
		return models.VoteSample{OptionID: optionID, DeviceHash: "d", IPHash: "i", CreatedAt: at}
	}
	samples := []models.VoteSample{
		seriesSample("opt-a", now.Add(-30*time.Hour)), // outside 24h window
		seriesSample("opt-a", now.Add(-3*time.Hour)),
		seriesSample("opt-a", now.Add(-2*time.Hour)),
		seriesSample("opt-b", now.Add(-2*time.Hour).Add(10*time.Minute)),
		seriesSample("opt-b", now.Add(-2*time.Hour).Add(20*time.Minute)),
		seriesSample("opt-a", now.Add(-1*time.Hour)),
	}

	s := analytics.BuildSeries(samples, "24h", now)
	require.Equal(t, 5, s.TotalVotes)
	require.Equal(t, "24h", s.Timeframe)
	require.Equal(t, map[string]int{"opt-a": 3, "opt-b": 2}, s.OptionCounts)

	peak := now.Add(-2 * time.Hour).Truncate(time.Hour).Format(time.RFC3339)
	require.Equal(t, peak, s.PeakHour)
	require.Equal(t, 3, s.Hourly[peak])
	// Last active hour has 1 vote, the one before has 3.
	require.Equal(t, -2, s.Velocity)
}

func TestBuildSeriesEmpty(t *testing.T) {
	s := analytics.BuildSeries(nil, "1h", time.Now())
	require.Equal(t, 0, s.TotalVotes)
	require.Equal(t, 0, s.Velocity)
	require.Empty(t, s.PeakHour)
}
