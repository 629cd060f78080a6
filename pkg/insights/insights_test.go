package insights_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/db/models"
	"github.com/votewave/votewave/pkg/insights"
)

func tally(text string, pct float64) models.OptionTally {
	return models.OptionTally{ID: text, Text: text, Percentage: pct, VotesCount: int64(pct)}
}

func TestPrimaryBelowFloor(t *testing.T) {
	options := []models.OptionTally{tally("Red", 80), tally("Blue", 20)}
	require.Empty(t, insights.Primary(options, 19))
	require.Empty(t, insights.Primary(nil, 100))
	require.NotEmpty(t, insights.Primary(options, 20))
}

func TestPrimaryTiers(t *testing.T) {
	cases := []struct {
		name    string
		options []models.OptionTally
		want    string
	}{
		{
			name:    "decisive victory",
			options: []models.OptionTally{tally("Red", 70), tally("Blue", 30)},
			want:    "Red dominates with 70.0% - a decisive victory!",
		},
		{
			name:    "clear lead",
			options: []models.OptionTally{tally("Red", 56), tally("Blue", 40), tally("Green", 4)},
			want:    "Red leads clearly with 56.0%, showing strong preference.",
		},
		{
			name:    "takes the lead",
			options: []models.OptionTally{tally("Red", 52), tally("Blue", 42), tally("Green", 6)},
			want:    "Red takes the lead with 52.0%, ahead by 10.0%.",
		},
		{
			name:    "neck and neck",
			options: []models.OptionTally{tally("Red", 41), tally("Blue", 39), tally("Green", 20)},
			want:    "Neck-and-neck race! Red (41.0%) barely edges out Blue (39.0%).",
		},
		{
			name:    "close contest",
			options: []models.OptionTally{tally("Red", 44), tally("Blue", 38), tally("Green", 18)},
			want:    "Close contest between Red (44.0%) and Blue (38.0%).",
		},
		{
			name:    "three horse race",
			options: []models.OptionTally{tally("Red", 38), tally("Blue", 30), tally("Green", 28), tally("Gray", 4)},
			want:    "Three-horse race: Red (38.0%), Blue (30.0%), Green (28.0%).",
		},
		{
			name:    "single option",
			options: []models.OptionTally{tally("Red", 100)},
			want:    "Red dominates with 100.0% - a decisive victory!",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, insights.Primary(tc.options, 100))
		})
	}
}
