// Package analytics is the read-only, on-demand analysis over committed
// votes, consumed by poll creators. It never mutates state and never sits on
// the admission path.
package analytics

import (
	"sort"
	"time"

	"github.com/votewave/votewave/pkg/db/models"
)

// Clustering thresholds. Both limits should be structurally unreachable
// given the admission gate and storage constraints, so a nonzero cluster
// indicates key-rotation abuse or a correctness bug - a monitoring signal
// either way.
const (
	deviceVoteLimit = 3
	ipVoteLimit     = 5
	rapidFireGap    = 5 * time.Second
)

// Cluster is a device or IP hash with its vote count.
type Cluster struct {
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

// AnomalyReport summarizes suspicious voting concentration for a poll.
type AnomalyReport struct {
	TotalVotes        int       `json:"totalVotes"`
	SuspiciousDevices []Cluster `json:"suspiciousDevices"`
	SuspiciousIPs     []Cluster `json:"suspiciousIPs"`
	RapidPairs        int       `json:"rapidPairs"`
	// AnomalyScore is a bounded 0-100 heuristic.
	AnomalyScore int `json:"anomalyScore"`
}

// DetectAnomalies groups committed votes by device and IP hash, counts
// rapid-fire pairs (consecutive votes under rapidFireGap apart) and scores
// the result. Samples must be ordered oldest first.
func DetectAnomalies(samples []models.VoteSample) *AnomalyReport {
	deviceCounts := make(map[string]int)
	ipCounts := make(map[string]int)
	rapidPairs := 0

	for i, sm := range samples {
		deviceCounts[sm.DeviceHash]++
		ipCounts[sm.IPHash]++
		if i > 0 && sm.CreatedAt.Sub(samples[i-1].CreatedAt) < rapidFireGap {
			rapidPairs++
		}
	}

	report := &AnomalyReport{
		TotalVotes:        len(samples),
		SuspiciousDevices: clustersOver(deviceCounts, deviceVoteLimit),
		SuspiciousIPs:     clustersOver(ipCounts, ipVoteLimit),
		RapidPairs:        rapidPairs,
	}

	score := len(report.SuspiciousDevices)*10 + len(report.SuspiciousIPs)*15 + rapidPairs*5
	if score > 100 {
		score = 100
	}
	report.AnomalyScore = score
	return report
}

func clustersOver(counts map[string]int, limit int) []Cluster {
	clusters := make([]Cluster, 0)
	for hash, count := range counts {
		if count > limit {
			clusters = append(clusters, Cluster{Hash: hash, Count: count})
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].Hash < clusters[j].Hash
	})
	return clusters
}
