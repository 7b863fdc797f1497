package conclave

import (
	"math"
	"testing"
)

func TestMetricsRunningMean(t *testing.T) {
	m := NewMetrics()
	samples := []float64{1.0, 2.0, 6.0}
	for _, s := range samples {
		m.RecordRequest("worker", true, s)
	}
	a, ok := m.Aggregate("worker")
	if !ok {
		t.Fatal("aggregate missing")
	}
	if a.TotalRequests != 3 || a.SuccessfulRequests != 3 {
		t.Errorf("counts = %d/%d, want 3/3", a.SuccessfulRequests, a.TotalRequests)
	}
	if math.Abs(a.AverageResponseTime-3.0) > 1e-9 {
		t.Errorf("AverageResponseTime = %v, want 3.0", a.AverageResponseTime)
	}
}

func TestMetricsSuccessRate(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("x", true, 1)
	m.RecordRequest("x", false, 1)
	m.RecordRequest("x", true, 1)
	m.RecordRequest("x", true, 1)

	a, _ := m.Aggregate("x")
	if math.Abs(a.SuccessRate()-0.75) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 0.75", a.SuccessRate())
	}
	// No quality samples yet: effectiveness equals the success rate.
	if a.Effectiveness() != a.SuccessRate() {
		t.Errorf("Effectiveness = %v, want %v", a.Effectiveness(), a.SuccessRate())
	}
}

func TestMetricsEffectivenessIsQualityMean(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("x", true, 1)
	m.RecordQuality("x", QualitySample{Relevance: 1})

	// One judgement with only relevance set: mean(1, 0, 0, 0) = 0.25,
	// regardless of the success rate.
	a, _ := m.Aggregate("x")
	if math.Abs(a.Effectiveness()-0.25) > 1e-9 {
		t.Errorf("Effectiveness = %v, want 0.25", a.Effectiveness())
	}

	m.RecordQuality("x", QualitySample{Relevance: 1, Creativity: 1, Accuracy: 1, Consensus: 1})
	a, _ = m.Aggregate("x")
	want := (1.0 + 0.5 + 0.5 + 0.5) / 4
	if math.Abs(a.Effectiveness()-want) > 1e-9 {
		t.Errorf("Effectiveness = %v, want %v", a.Effectiveness(), want)
	}
}

func TestMetricsQualityRunningMean(t *testing.T) {
	m := NewMetrics()
	m.RecordQuality("x", QualitySample{Relevance: 1, Creativity: 1, Accuracy: 1, Consensus: 1})
	m.RecordQuality("x", QualitySample{})
	a, _ := m.Aggregate("x")
	for name, q := range map[string]QualityMean{
		"relevance": a.Relevance, "creativity": a.Creativity,
		"accuracy": a.Accuracy, "consensus": a.Consensus,
	} {
		if q.Samples != 2 || math.Abs(q.Average-0.5) > 1e-9 {
			t.Errorf("%s = %d samples avg %v, want 2 samples avg 0.5", name, q.Samples, q.Average)
		}
	}
}

func TestMetricsRecordConsensusIndependentCount(t *testing.T) {
	m := NewMetrics()
	m.RecordQuality("x", QualitySample{Relevance: 0.8, Accuracy: 0.6})
	m.RecordConsensus("x", true)
	m.RecordConsensus("x", true)
	m.RecordConsensus("x", false)

	a, _ := m.Aggregate("x")
	if a.Consensus.Samples != 4 {
		t.Fatalf("Consensus.Samples = %d, want 4", a.Consensus.Samples)
	}
	// Consensus mean over (0, 1, 1, 0); the other dimensions keep one sample.
	if math.Abs(a.Consensus.Average-0.5) > 1e-9 {
		t.Errorf("Consensus.Average = %v, want 0.5", a.Consensus.Average)
	}
	if a.Relevance.Samples != 1 || a.Accuracy.Samples != 1 {
		t.Errorf("other dimensions gained samples: relevance %d, accuracy %d",
			a.Relevance.Samples, a.Accuracy.Samples)
	}
}

func TestMetricsAnalyze(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 10; i++ {
		m.RecordRequest("star", true, 1)
	}
	for i := 0; i < 10; i++ {
		m.RecordRequest("struggler", i < 3, 1) // 30% success
	}
	for i := 0; i < 10; i++ {
		m.RecordRequest("middling", i < 7, 1) // 70%, between thresholds
	}
	m.RecordRequest("newcomer", false, 1) // too few samples

	a := m.Analyze(5)
	if len(a.Strengths) != 1 || a.Strengths[0].Agent != "star" {
		t.Errorf("Strengths = %+v, want [star]", a.Strengths)
	}
	if len(a.Weaknesses) != 1 || a.Weaknesses[0].Agent != "struggler" {
		t.Errorf("Weaknesses = %+v, want [struggler]", a.Weaknesses)
	}
}

func TestMetricsCustomThresholds(t *testing.T) {
	m := NewMetrics(WithThresholds(0.5, 0.4))
	for i := 0; i < 10; i++ {
		m.RecordRequest("ok", i < 6, 1) // 60% clears a 0.5 strong bar
	}
	a := m.Analyze(1)
	if len(a.Strengths) != 1 {
		t.Errorf("Strengths = %+v, want [ok] with lowered threshold", a.Strengths)
	}
}
