package conclave

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Rating classifies a success rate or capability rating against the
// strong/weak thresholds: strong above the strong bar, weak below the
// weak bar, neutral between.
type Rating string

const (
	RatingStrong  Rating = "strong"
	RatingWeak    Rating = "weak"
	RatingNeutral Rating = "neutral"
)

// classifyRate maps a value in [0,1] to a Rating.
func classifyRate(v, strong, weak float64) Rating {
	switch {
	case v > strong:
		return RatingStrong
	case v < weak:
		return RatingWeak
	default:
		return RatingNeutral
	}
}

// TaskTypeRate is one task type's success rate for an agent, summed
// across the agent's versions.
type TaskTypeRate struct {
	TaskType    TaskType
	Correct     int
	Attempts    int
	SuccessRate float64
	Rating      Rating
}

// CapabilityRating classifies one declared capability by its rating.
type CapabilityRating struct {
	Name   string
	Rating float64
	Class  Rating
}

// PerformanceAnalysis is an agent's durable performance breakdown: the
// overall success rate, the per-task-type rates from the persisted
// rollups, and the classified capabilities.
type PerformanceAnalysis struct {
	Agent              string
	CorrectResponses   int
	TotalAttempts      int
	OverallSuccessRate float64
	TaskTypes          []TaskTypeRate
	Capabilities       []CapabilityRating
}

// AnalyzePerformance builds the analysis for one agent from the store's
// AgentPerformance rollups and capability ratings. Task types are
// sorted by name for stable output.
func AnalyzePerformance(ctx context.Context, store Store, agentName string, strong, weak float64) (PerformanceAnalysis, error) {
	agent, err := store.GetAgentByName(ctx, agentName)
	if err != nil {
		return PerformanceAnalysis{}, err
	}
	perf, err := store.GetPerformance(ctx, agent.ID)
	if err != nil {
		return PerformanceAnalysis{}, err
	}
	caps, err := store.ListCapabilities(ctx, agent.ID)
	if err != nil {
		return PerformanceAnalysis{}, err
	}

	out := PerformanceAnalysis{Agent: agent.Name}
	byType := make(map[TaskType]*TaskTypeRate)
	for _, p := range perf {
		out.CorrectResponses += p.CorrectResponses
		out.TotalAttempts += p.TotalAttempts
		tt, ok := byType[p.TaskType]
		if !ok {
			tt = &TaskTypeRate{TaskType: p.TaskType}
			byType[p.TaskType] = tt
		}
		tt.Correct += p.CorrectResponses
		tt.Attempts += p.TotalAttempts
	}
	if out.TotalAttempts > 0 {
		out.OverallSuccessRate = float64(out.CorrectResponses) / float64(out.TotalAttempts)
	}
	for _, tt := range byType {
		if tt.Attempts > 0 {
			tt.SuccessRate = float64(tt.Correct) / float64(tt.Attempts)
		}
		tt.Rating = classifyRate(tt.SuccessRate, strong, weak)
		out.TaskTypes = append(out.TaskTypes, *tt)
	}
	sort.Slice(out.TaskTypes, func(i, j int) bool {
		return out.TaskTypes[i].TaskType < out.TaskTypes[j].TaskType
	})
	for _, c := range caps {
		out.Capabilities = append(out.Capabilities, CapabilityRating{
			Name:   c.Name,
			Rating: c.Rating,
			Class:  classifyRate(c.Rating, strong, weak),
		})
	}
	return out, nil
}

// Summary renders the analysis as the plain-text block embedded in
// refinement consultations.
func (p PerformanceAnalysis) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall: %d/%d correct (%.0f%% success rate).\n",
		p.CorrectResponses, p.TotalAttempts, p.OverallSuccessRate*100)
	if len(p.TaskTypes) > 0 {
		b.WriteString("Per task type:\n")
		for _, tt := range p.TaskTypes {
			fmt.Fprintf(&b, "- %s: %d/%d (%.0f%%, %s)\n",
				tt.TaskType, tt.Correct, tt.Attempts, tt.SuccessRate*100, tt.Rating)
		}
	}
	if len(p.Capabilities) > 0 {
		b.WriteString("Capabilities:\n")
		for _, c := range p.Capabilities {
			fmt.Fprintf(&b, "- %s: rating %.2f (%s)\n", c.Name, c.Rating, c.Class)
		}
	}
	return b.String()
}
