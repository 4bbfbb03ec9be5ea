package exam

import (
	"strings"
	"testing"
)

func TestNormalizeAcceptsCanonicalPayload(t *testing.T) {
	raw := `{
		"examMetadata": {"title": "Algebra Midterm", "subject": "Math"},
		"settings": {"timeLimitMinutes": 45, "passingScorePercent": 80},
		"questions": [
			{"id": "Q 1!", "type": "mcq", "prompt": "2+2?", "choices": ["3", "4"], "correctAnswer": "4", "points": 2},
			{"type": "TF", "prompt": "The sky is green.", "correctAnswer": "false"},
			{"id": "essay-1", "type": "essay", "prompt": "Explain gravity.", "rubric": "Mentions mass and distance."}
		]
	}`

	res := Normalize([]byte(raw))
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Normalized == nil {
		t.Fatal("expected a normalized exam")
	}

	exam := res.Normalized
	if exam.Title != "Algebra Midterm" || exam.Subject != "Math" {
		t.Fatalf("metadata not propagated: %+v", exam)
	}
	if exam.Settings.TimeLimitMinutes != 45 || exam.Settings.PassingScorePercent != 80 {
		t.Fatalf("settings not honored: %+v", exam.Settings)
	}
	if len(exam.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(exam.Questions))
	}

	q1 := exam.Questions[0]
	if q1.ID != "q-1" {
		t.Fatalf("got id %q, want slugged q-1", q1.ID)
	}
	if q1.Type != QuestionMultipleChoice || q1.CorrectChoice == nil || *q1.CorrectChoice != "4" || q1.Points != 2 {
		t.Fatalf("multiple-choice not normalized: %+v", q1)
	}

	q2 := exam.Questions[1]
	if q2.ID != "q2" {
		t.Fatalf("got id %q, want synthesized q2", q2.ID)
	}
	if q2.Type != QuestionTrueFalse || q2.CorrectBool == nil || *q2.CorrectBool {
		t.Fatalf("true-false not normalized: %+v", q2)
	}
	if q2.Points != 1 {
		t.Fatalf("got points %v, want default 1", q2.Points)
	}

	q3 := exam.Questions[2]
	if q3.Type != QuestionLongAnswer || q3.Rubric != "Mentions mass and distance." {
		t.Fatalf("essay alias not normalized: %+v", q3)
	}
	if q3.IsObjective() {
		t.Fatal("long-answer must not be objective")
	}
}

func TestNormalizeRejections(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "not an object",
			raw:     `[1, 2, 3]`,
			wantErr: "exam payload is not a JSON object",
		},
		{
			name:    "missing title",
			raw:     `{"questions": [{"type": "mcq", "prompt": "x", "choices": ["a"]}]}`,
			wantErr: "missing title or question set",
		},
		{
			name:    "empty question set",
			raw:     `{"title": "T", "questions": []}`,
			wantErr: "missing title or question set",
		},
		{
			name:    "unsupported type carries index",
			raw:     `{"title": "T", "questions": [{"type": "mcq", "prompt": "x", "choices": ["a"]}, {"type": "matching", "prompt": "y"}]}`,
			wantErr: `question 2: unsupported question type "matching"`,
		},
		{
			name:    "missing prompt",
			raw:     `{"title": "T", "questions": [{"type": "mcq", "choices": ["a"]}]}`,
			wantErr: "question 1: missing prompt",
		},
		{
			name:    "non-object question entry",
			raw:     `{"title": "T", "questions": ["oops"]}`,
			wantErr: "question 1: malformed question entry",
		},
		{
			name:    "malformed choices",
			raw:     `{"title": "T", "questions": [{"type": "mcq", "prompt": "x", "choices": ["a", ""]}]}`,
			wantErr: "question 1: malformed answer schema",
		},
		{
			name:    "correct answer outside choices",
			raw:     `{"title": "T", "questions": [{"type": "mcq", "prompt": "x", "choices": ["a", "b"], "correctAnswer": "c"}]}`,
			wantErr: "question 1: correct answer not among choices",
		},
		{
			name: "duplicate id after fallback exhausted",
			raw: `{"title": "T", "questions": [
				{"id": "q3", "type": "tf", "prompt": "a"},
				{"id": "x", "type": "tf", "prompt": "b"},
				{"id": "x", "type": "tf", "prompt": "c"}
			]}`,
			wantErr: "question 3: duplicate question id after normalization",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Normalize([]byte(tc.raw))
			if res.Normalized != nil {
				t.Fatalf("rejected payload must not normalize, got %+v", res.Normalized)
			}
			if !containsSubstring(res.Errors, tc.wantErr) {
				t.Fatalf("errors %v do not contain %q", res.Errors, tc.wantErr)
			}
		})
	}
}

func TestNormalizeAllOrNothing(t *testing.T) {
	// One bad question among good ones still rejects the whole upload, and
	// every bad question is reported.
	raw := `{"title": "T", "questions": [
		{"type": "mcq", "prompt": "fine", "choices": ["a", "b"], "correctAnswer": "a"},
		{"type": "nope", "prompt": "bad type"},
		{"type": "tf"}
	]}`

	res := Normalize([]byte(raw))
	if res.Normalized != nil {
		t.Fatal("payload with any error must be rejected")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(res.Errors), res.Errors)
	}
}

func TestNormalizeOptionalAnswerKeys(t *testing.T) {
	raw := `{"title": "T", "questions": [
		{"id": "mc", "type": "mcq", "prompt": "pick", "options": ["a", "b"]},
		{"id": "tf", "type": "boolean", "prompt": "judge", "correctAnswer": "maybe"}
	]}`

	res := Normalize([]byte(raw))
	if res.Normalized == nil {
		t.Fatalf("payload must be accepted, errors: %v", res.Errors)
	}

	mc := res.Normalized.Questions[0]
	if mc.CorrectChoice != nil {
		t.Fatal("absent correctAnswer must stay nil")
	}
	if len(mc.Choices) != 2 {
		t.Fatalf("options alias not honored: %+v", mc)
	}

	tf := res.Normalized.Questions[1]
	if tf.CorrectBool != nil {
		t.Fatal("unrecognized true-false answer must stay ungraded")
	}
	if !containsSubstring(res.Warnings, "question 2: unrecognized true-false answer") {
		t.Fatalf("expected a warning, got %v", res.Warnings)
	}
}

func TestNormalizeSettingsDefaults(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantMinutes int
		wantPassing int
	}{
		{
			name:        "absent settings",
			raw:         `{"title": "T", "questions": [{"type": "tf", "prompt": "x"}]}`,
			wantMinutes: DefaultTimeLimitMinutes,
			wantPassing: DefaultPassingScorePercent,
		},
		{
			name:        "non-positive values fall back",
			raw:         `{"title": "T", "settings": {"timeLimitMinutes": 0, "passingScorePercent": -5}, "questions": [{"type": "tf", "prompt": "x"}]}`,
			wantMinutes: DefaultTimeLimitMinutes,
			wantPassing: DefaultPassingScorePercent,
		},
		{
			name:        "settings nested under metadata",
			raw:         `{"examMetadata": {"title": "T", "settings": {"timeLimitMinutes": 90, "passingScorePercent": 60}}, "questions": [{"type": "tf", "prompt": "x"}]}`,
			wantMinutes: 90,
			wantPassing: 60,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := Normalize([]byte(tc.raw))
			if res.Normalized == nil {
				t.Fatalf("payload must be accepted, errors: %v", res.Errors)
			}
			got := res.Normalized.Settings
			if got.TimeLimitMinutes != tc.wantMinutes || got.PassingScorePercent != tc.wantPassing {
				t.Fatalf("got settings %+v, want %d/%d", got, tc.wantMinutes, tc.wantPassing)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Q 1!", "q-1"},
		{"  Already-fine ", "already-fine"},
		{"___", ""},
		{"Ünicode Q", "nicode-q"},
	}
	for _, tc := range tests {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func containsSubstring(list []string, want string) bool {
	for _, s := range list {
		if strings.Contains(s, want) {
			return true
		}
	}
	return false
}
