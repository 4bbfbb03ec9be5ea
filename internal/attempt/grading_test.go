package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"examhub/internal/exam"
	"examhub/internal/grader"

	"github.com/rs/zerolog"
)

type stubGrader struct {
	result grader.GradeResult
	err    error
	calls  atomic.Int32
}

func (s *stubGrader) GradeTextAnswer(ctx context.Context, req grader.GradeRequest) (*grader.GradeResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	result := s.result
	return &result, nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestGradeObjectiveQuestion(t *testing.T) {
	mc := exam.NormalizedQuestion{
		ID:            "mc",
		Type:          exam.QuestionMultipleChoice,
		Choices:       []string{"a", "b"},
		CorrectChoice: strPtr("b"),
	}
	tf := exam.NormalizedQuestion{
		ID:          "tf",
		Type:        exam.QuestionTrueFalse,
		CorrectBool: boolPtr(true),
	}

	tests := []struct {
		name       string
		question   exam.NormalizedQuestion
		answer     string
		wantScore  int
		wantReview bool
	}{
		{name: "mc correct", question: mc, answer: `"b"`, wantScore: 100},
		{name: "mc wrong", question: mc, answer: `"a"`, wantScore: 0},
		{name: "mc missing answer", question: mc, answer: "", wantScore: 0},
		{name: "mc non-string answer", question: mc, answer: `42`, wantScore: 0},
		{name: "tf correct bool", question: tf, answer: `true`, wantScore: 100},
		{name: "tf correct string", question: tf, answer: `"TRUE"`, wantScore: 100},
		{name: "tf wrong", question: tf, answer: `false`, wantScore: 0},
		{
			name:       "mc no answer key",
			question:   exam.NormalizedQuestion{ID: "mc2", Type: exam.QuestionMultipleChoice, Choices: []string{"a"}},
			answer:     `"a"`,
			wantReview: true,
		},
		{
			name:       "tf no answer key",
			question:   exam.NormalizedQuestion{ID: "tf2", Type: exam.QuestionTrueFalse},
			answer:     `true`,
			wantReview: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var answer json.RawMessage
			if tc.answer != "" {
				answer = json.RawMessage(tc.answer)
			}
			got := GradeObjectiveQuestion(tc.question, answer)
			if got.ScorePercent != tc.wantScore {
				t.Fatalf("got score %d, want %d", got.ScorePercent, tc.wantScore)
			}
			if got.NeedsReview != tc.wantReview {
				t.Fatalf("got needs_review %v, want %v", got.NeedsReview, tc.wantReview)
			}
			if got.QuestionID != tc.question.ID {
				t.Fatalf("got question id %q, want %q", got.QuestionID, tc.question.ID)
			}
		})
	}
}

func TestGradeObjectiveQuestionDeterministic(t *testing.T) {
	q := exam.NormalizedQuestion{
		ID:            "mc",
		Type:          exam.QuestionMultipleChoice,
		Choices:       []string{"a", "b"},
		CorrectChoice: strPtr("b"),
	}
	answer := json.RawMessage(`"b"`)

	first := GradeObjectiveQuestion(q, answer)
	for i := 0; i < 10; i++ {
		if got := GradeObjectiveQuestion(q, answer); got != first {
			t.Fatalf("run %d: got %+v, want %+v", i, got, first)
		}
	}
}

func TestPipelineGradeObjectiveOnly(t *testing.T) {
	g := &stubGrader{}
	p := NewPipeline(g, nil, zerolog.Nop(), 2)

	questions := []exam.NormalizedQuestion{
		{ID: "q1", Type: exam.QuestionMultipleChoice, Choices: []string{"a", "b"}, CorrectChoice: strPtr("a")},
		{ID: "q2", Type: exam.QuestionTrueFalse, CorrectBool: boolPtr(false)},
	}
	answers := map[string]json.RawMessage{
		"q1": json.RawMessage(`"a"`),
		"q2": json.RawMessage(`true`),
	}

	outcome := p.Grade(context.Background(), questions, answers)

	if outcome.ScorePercent != 50 {
		t.Fatalf("got score %d, want 50", outcome.ScorePercent)
	}
	if outcome.Status != StatusGraded {
		t.Fatalf("got status %q, want %q", outcome.Status, StatusGraded)
	}
	if outcome.Summary.ObjectiveCount != 2 || outcome.Summary.LLMCount != 0 || outcome.Summary.ReviewCount != 0 {
		t.Fatalf("unexpected summary: %+v", outcome.Summary)
	}
	if n := g.calls.Load(); n != 0 {
		t.Fatalf("objective grading must not call the external grader, got %d calls", n)
	}
}

func TestPipelineGradeSubjective(t *testing.T) {
	questions := []exam.NormalizedQuestion{
		{ID: "essay", Type: exam.QuestionLongAnswer, Prompt: "Explain.", Rubric: "Be thorough."},
	}
	answers := map[string]json.RawMessage{
		"essay": json.RawMessage(`"Because of gravity."`),
	}

	t.Run("success uses grader score", func(t *testing.T) {
		g := &stubGrader{result: grader.GradeResult{ScorePercent: 82.4, Feedback: "Good."}}
		p := NewPipeline(g, nil, zerolog.Nop(), 4)

		outcome := p.Grade(context.Background(), questions, answers)
		if outcome.ScorePercent != 82 {
			t.Fatalf("got score %d, want 82", outcome.ScorePercent)
		}
		if outcome.Status != StatusGraded {
			t.Fatalf("got status %q, want %q", outcome.Status, StatusGraded)
		}
		if outcome.Summary.LLMCount != 1 {
			t.Fatalf("got llm count %d, want 1", outcome.Summary.LLMCount)
		}
		if outcome.Questions[0].Feedback != "Good." {
			t.Fatalf("got feedback %q", outcome.Questions[0].Feedback)
		}
	})

	t.Run("failure degrades to needs review", func(t *testing.T) {
		g := &stubGrader{err: errors.New("upstream down")}
		p := NewPipeline(g, nil, zerolog.Nop(), 4)

		outcome := p.Grade(context.Background(), questions, answers)
		if outcome.ScorePercent != 0 {
			t.Fatalf("got score %d, want 0", outcome.ScorePercent)
		}
		if outcome.Status != StatusNeedsReview {
			t.Fatalf("got status %q, want %q", outcome.Status, StatusNeedsReview)
		}
		if !outcome.Questions[0].NeedsReview {
			t.Fatal("failed grading must flag the question for review")
		}
		if outcome.Summary.LLMCount != 1 || outcome.Summary.ReviewCount != 1 {
			t.Fatalf("unexpected summary: %+v", outcome.Summary)
		}
	})

	t.Run("empty answer skips the grader", func(t *testing.T) {
		g := &stubGrader{result: grader.GradeResult{ScorePercent: 100}}
		p := NewPipeline(g, nil, zerolog.Nop(), 4)

		outcome := p.Grade(context.Background(), questions, map[string]json.RawMessage{
			"essay": json.RawMessage(`"   "`),
		})
		if n := g.calls.Load(); n != 0 {
			t.Fatalf("blank answer must not reach the grader, got %d calls", n)
		}
		if !outcome.Questions[0].NeedsReview {
			t.Fatal("unanswered subjective question must be flagged for review")
		}
		if outcome.Summary.LLMCount != 0 || outcome.Summary.ReviewCount != 1 {
			t.Fatalf("unexpected summary: %+v", outcome.Summary)
		}
	})

	t.Run("scores are clamped", func(t *testing.T) {
		g := &stubGrader{result: grader.GradeResult{ScorePercent: 180}}
		p := NewPipeline(g, nil, zerolog.Nop(), 4)

		outcome := p.Grade(context.Background(), questions, answers)
		if outcome.ScorePercent != 100 {
			t.Fatalf("got score %d, want clamped 100", outcome.ScorePercent)
		}
	})
}

func TestPipelineGradeMixed(t *testing.T) {
	g := &stubGrader{result: grader.GradeResult{ScorePercent: 60, Feedback: "Partial."}}
	p := NewPipeline(g, nil, zerolog.Nop(), 2)

	questions := []exam.NormalizedQuestion{
		{ID: "q1", Type: exam.QuestionMultipleChoice, Choices: []string{"a", "b"}, CorrectChoice: strPtr("b")},
		{ID: "q2", Type: exam.QuestionShortAnswer, Prompt: "Define."},
		{ID: "q3", Type: exam.QuestionShortAnswer, Prompt: "Describe."},
	}
	answers := map[string]json.RawMessage{
		"q1": json.RawMessage(`"b"`),
		"q2": json.RawMessage(`"An answer."`),
		"q3": json.RawMessage(`"Another answer."`),
	}

	outcome := p.Grade(context.Background(), questions, answers)

	// round((100 + 60 + 60) / 3) = 73
	if outcome.ScorePercent != 73 {
		t.Fatalf("got score %d, want 73", outcome.ScorePercent)
	}
	if outcome.Summary.ObjectiveCount != 1 || outcome.Summary.LLMCount != 2 {
		t.Fatalf("unexpected summary: %+v", outcome.Summary)
	}
	if n := g.calls.Load(); n != 2 {
		t.Fatalf("got %d grader calls, want 2", n)
	}
	if len(outcome.Questions) != 3 {
		t.Fatalf("got %d graded questions, want 3", len(outcome.Questions))
	}
	// Results stay aligned with the question order despite concurrency.
	for i, q := range questions {
		if outcome.Questions[i].QuestionID != q.ID {
			t.Fatalf("position %d: got %q, want %q", i, outcome.Questions[i].QuestionID, q.ID)
		}
	}
}

func TestPipelineGradeEmptyExamDenominator(t *testing.T) {
	p := NewPipeline(&stubGrader{}, nil, zerolog.Nop(), 1)
	outcome := p.Grade(context.Background(), nil, nil)
	if outcome.ScorePercent != 0 {
		t.Fatalf("got score %d, want 0", outcome.ScorePercent)
	}
	if outcome.Status != StatusGraded {
		t.Fatalf("got status %q, want %q", outcome.Status, StatusGraded)
	}
}
