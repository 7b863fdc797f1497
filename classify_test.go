package conclave

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		input string
		want  TaskType
	}{
		{"Please implement a parser", TaskImplementation},
		{"Write a short story", TaskImplementation},
		{"Analyze the crash logs", TaskAnalysis},
		{"Design a schema for orders", TaskDesign},
		{"verify the checksum", TaskTesting},
		{"Optimize the hot loop", TaskOptimization},
		{"what is 2+2", TaskAddition},
		{"compute 9 - 4", TaskSubtraction},
		{"6*7 please", TaskMultiplication},
		{"evaluate 8/2", TaskAnalysis}, // keyword family wins over operator
		{"10 / 5", TaskDivision},
		{"12 × 3", TaskMultiplication},
		{"hello there", TaskGeneral},
		{"run with --flag", TaskGeneral}, // double dash is not subtraction
	}
	for _, tc := range cases {
		if got := Classify(tc.input); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestClassifyKeywordOrderBeatsOperators(t *testing.T) {
	// "create" appears in the first family; the "+" must not shadow it.
	if got := Classify("create a 2+2 quiz"); got != TaskImplementation {
		t.Errorf("got %q, want Implementation", got)
	}
}
