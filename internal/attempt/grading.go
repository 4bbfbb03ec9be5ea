package attempt

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"examhub/internal/exam"
	"examhub/internal/grader"
	"examhub/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	feedbackCorrect            = "Correct"
	feedbackIncorrect          = "Incorrect"
	feedbackNoAnswer           = "No answer submitted"
	feedbackNoAnswerKey        = "no answer key; marked for manual review"
	feedbackGradingUnavailable = "grading unavailable; marked for manual review"
)

type GradedQuestion struct {
	QuestionID   string `json:"question_id"`
	ScorePercent int    `json:"score_percent"`
	Feedback     string `json:"feedback"`
	NeedsReview  bool   `json:"needs_review,omitempty"`
}

type GradingSummary struct {
	ObjectiveCount int `json:"objective_count"`
	LLMCount       int `json:"llm_count"`
	ReviewCount    int `json:"review_count"`
}

type GradeOutcome struct {
	Questions    []GradedQuestion
	ScorePercent int
	Status       string
	Summary      GradingSummary
}

// Pipeline combines deterministic objective grading with the external grading
// collaborator. External failures are always recovered into a needs-review
// result; grading as a whole never fails.
type Pipeline struct {
	grader         grader.Grader
	metrics        *observability.Collector
	logger         zerolog.Logger
	maxConcurrency int
}

func NewPipeline(g grader.Grader, metrics *observability.Collector, logger zerolog.Logger, maxConcurrency int) *Pipeline {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Pipeline{grader: g, metrics: metrics, logger: logger, maxConcurrency: maxConcurrency}
}

// Grade scores every question of the exam against the submitted answers.
// Subjective questions are graded through a bounded worker pool.
func (p *Pipeline) Grade(ctx context.Context, questions []exam.NormalizedQuestion, answers map[string]json.RawMessage) GradeOutcome {
	results := make([]GradedQuestion, len(questions))
	graderCalled := make([]bool, len(questions))
	summary := GradingSummary{}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.maxConcurrency)

	for i, q := range questions {
		if q.IsObjective() {
			results[i] = GradeObjectiveQuestion(q, answers[q.ID])
			summary.ObjectiveCount++
			p.inc(observability.CounterGradingObjective)
			continue
		}

		i, q := i, q
		answer := answers[q.ID]
		group.Go(func() error {
			// Each goroutine writes only its own slot.
			results[i], graderCalled[i] = p.gradeSubjectiveQuestion(groupCtx, q, answer)
			return nil
		})
	}
	_ = group.Wait()

	total := 0
	for i := range results {
		total += results[i].ScorePercent
		if results[i].NeedsReview {
			summary.ReviewCount++
		}
		if graderCalled[i] {
			summary.LLMCount++
		}
	}

	denominator := len(questions)
	if denominator < 1 {
		denominator = 1
	}
	score := int(math.Round(float64(total) / float64(denominator)))

	status := StatusGraded
	if summary.ReviewCount > 0 {
		status = StatusNeedsReview
	}

	return GradeOutcome{
		Questions:    results,
		ScorePercent: score,
		Status:       status,
		Summary:      summary,
	}
}

// GradeObjectiveQuestion deterministically scores a multiple-choice or
// true-false question: same (question, answer) always yields the same result.
func GradeObjectiveQuestion(q exam.NormalizedQuestion, answer json.RawMessage) GradedQuestion {
	out := GradedQuestion{QuestionID: q.ID}

	switch q.Type {
	case exam.QuestionMultipleChoice:
		if q.CorrectChoice == nil {
			out.NeedsReview = true
			out.Feedback = feedbackNoAnswerKey
			return out
		}
		submitted, ok := decodeStringAnswer(answer)
		if ok && submitted == *q.CorrectChoice {
			out.ScorePercent = 100
			out.Feedback = feedbackCorrect
			return out
		}
	case exam.QuestionTrueFalse:
		if q.CorrectBool == nil {
			out.NeedsReview = true
			out.Feedback = feedbackNoAnswerKey
			return out
		}
		submitted, ok := decodeBoolAnswer(answer)
		if ok && submitted == *q.CorrectBool {
			out.ScorePercent = 100
			out.Feedback = feedbackCorrect
			return out
		}
	}

	out.Feedback = feedbackIncorrect
	return out
}

// gradeSubjectiveQuestion returns the graded result and whether the external
// collaborator was called.
func (p *Pipeline) gradeSubjectiveQuestion(ctx context.Context, q exam.NormalizedQuestion, answer json.RawMessage) (GradedQuestion, bool) {
	out := GradedQuestion{QuestionID: q.ID}

	text, ok := decodeStringAnswer(answer)
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		out.NeedsReview = true
		out.Feedback = feedbackNoAnswer
		return out, false
	}

	result, err := p.grader.GradeTextAnswer(ctx, grader.GradeRequest{
		Prompt: q.Prompt,
		Rubric: q.Rubric,
		Answer: text,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("question_id", q.ID).Msg("external grading failed; marking for review")
		p.inc(observability.CounterGradingLLMFailed)
		out.NeedsReview = true
		out.Feedback = feedbackGradingUnavailable
		return out, true
	}

	p.inc(observability.CounterGradingLLMOK)
	out.ScorePercent = clampScore(result.ScorePercent)
	out.Feedback = result.Feedback
	return out, true
}

func clampScore(score float64) int {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(math.Round(score))
}

func (p *Pipeline) inc(name string) {
	if p.metrics != nil {
		p.metrics.Inc(name)
	}
}

func decodeStringAnswer(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeBoolAnswer coerces a submitted true-false answer from a JSON boolean
// or the literal strings "true"/"false".
func decodeBoolAnswer(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.TrimSpace(strings.ToLower(s)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}
