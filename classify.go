package conclave

import "strings"

// TaskType is a coarse task category derived by keyword classification.
// It is the rollup dimension for performance metrics.
type TaskType string

const (
	TaskImplementation TaskType = "Implementation"
	TaskAnalysis       TaskType = "Analysis"
	TaskDesign         TaskType = "Design"
	TaskTesting        TaskType = "Testing"
	TaskOptimization   TaskType = "Optimization"
	TaskAddition       TaskType = "Addition"
	TaskSubtraction    TaskType = "Subtraction"
	TaskMultiplication TaskType = "Multiplication"
	TaskDivision       TaskType = "Division"
	TaskGeneral        TaskType = "General"
)

// keywordFamilies are tested in declaration order; the first family with a
// match wins.
var keywordFamilies = []struct {
	taskType TaskType
	keywords []string
}{
	{TaskImplementation, []string{"create", "generate", "implement", "build", "develop", "write"}},
	{TaskAnalysis, []string{"analyze", "evaluate", "assess", "examine", "review", "inspect"}},
	{TaskDesign, []string{"design", "architect", "plan", "structure", "layout"}},
	{TaskTesting, []string{"test", "verify", "validate", "check", "confirm"}},
	{TaskOptimization, []string{"improve", "optimize", "refactor", "enhance", "streamline"}},
}

// Classify derives the task type of an input text. Keyword families are
// checked first, in order; then math operators; anything else is General.
func Classify(input string) TaskType {
	t := strings.ToLower(input)

	for _, family := range keywordFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(t, kw) {
				return family.taskType
			}
		}
	}

	switch {
	case strings.Contains(t, "+"):
		return TaskAddition
	case strings.Contains(t, "-") && !strings.Contains(t, "--"):
		return TaskSubtraction
	case strings.Contains(t, "*") || strings.Contains(t, "×"):
		return TaskMultiplication
	case strings.Contains(t, "/") || strings.Contains(t, "÷"):
		return TaskDivision
	}
	return TaskGeneral
}
