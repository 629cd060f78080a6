// Package insights turns a tally into a one-line narrative once a poll has
// enough votes to say something meaningful.
package insights

import (
	"fmt"
	"sort"

	"github.com/votewave/votewave/pkg/db/models"
)

// MinVotes is the participation floor below which no insight is generated.
const MinVotes = 20

// Primary returns the headline insight for a tally, or "" when the poll has
// fewer than MinVotes votes.
func Primary(options []models.OptionTally, totalVotes int64) string {
	if totalVotes < MinVotes || len(options) == 0 {
		return ""
	}

	sorted := make([]models.OptionTally, len(options))
	copy(sorted, options)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VotesCount > sorted[j].VotesCount
	})

	top := sorted[0]
	var second, third *models.OptionTally
	if len(sorted) > 1 {
		second = &sorted[1]
	}
	if len(sorted) > 2 {
		third = &sorted[2]
	}

	margin := top.Percentage
	if second != nil {
		margin = top.Percentage - second.Percentage
	}

	switch {
	case top.Percentage >= 60 && margin >= 20:
		return fmt.Sprintf("%s dominates with %.1f%% - a decisive victory!", top.Text, top.Percentage)
	case top.Percentage >= 55 && margin >= 15:
		return fmt.Sprintf("%s leads clearly with %.1f%%, showing strong preference.", top.Text, top.Percentage)
	case top.Percentage >= 50 && margin >= 10:
		return fmt.Sprintf("%s takes the lead with %.1f%%, ahead by %.1f%%.", top.Text, top.Percentage, margin)
	case second != nil && margin < 3:
		return fmt.Sprintf("Neck-and-neck race! %s (%.1f%%) barely edges out %s (%.1f%%).",
			top.Text, top.Percentage, second.Text, second.Percentage)
	case second != nil && margin < 8:
		return fmt.Sprintf("Close contest between %s (%.1f%%) and %s (%.1f%%).",
			top.Text, top.Percentage, second.Text, second.Percentage)
	case third != nil && top.Percentage+second.Percentage+third.Percentage > 85 && top.Percentage-second.Percentage < 10:
		return fmt.Sprintf("Three-horse race: %s (%.1f%%), %s (%.1f%%), %s (%.1f%%).",
			top.Text, top.Percentage, second.Text, second.Percentage, third.Text, third.Percentage)
	default:
		return fmt.Sprintf("%s leads with %.1f%%, margin %.1f%%.", top.Text, top.Percentage, margin)
	}
}
