package grader

import "context"

type GradeRequest struct {
	Prompt string
	Rubric string
	Answer string
}

type GradeResult struct {
	ScorePercent float64 `json:"score_percent"`
	Feedback     string  `json:"feedback"`
}

// Grader evaluates a free-text answer against its question and optional
// rubric. Implementations are opaque, fallible remote collaborators; callers
// must treat any error as a degraded-mode signal, not a fatal condition.
type Grader interface {
	GradeTextAnswer(ctx context.Context, req GradeRequest) (*GradeResult, error)
}
