package extract

import (
	"testing"

	"github.com/757built/engine/engine/domain"
)

func TestDetectClass(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.Class
	}{
		{
			name: "patent",
			text: "United States Patent. Claims: 1. An invention comprising... Assignee: Coastal Robotics. Prior art considered.",
			want: domain.ClassPatent,
		},
		{
			name: "research",
			text: "Abstract. This peer-reviewed study from Old Dominion University presents findings on storm surge. DOI 10.1000/x",
			want: domain.ClassResearch,
		},
		{
			name: "project",
			text: "The construction project broke ground after the permit was issued; the contractor expects a completion date in 2027.",
			want: domain.ClassProject,
		},
		{
			name: "no signal",
			text: "Lunch menu for the cafeteria.",
			want: domain.ClassOther,
		},
		{
			name: "empty",
			text: "",
			want: domain.ClassOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectClass(tt.text); got != tt.want {
				t.Fatalf("DetectClass = %s, want %s", got, tt.want)
			}
		})
	}
}
