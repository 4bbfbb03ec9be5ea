package exam

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuestionType is the closed set of canonical question kinds. Uploaded
// payloads reach one of these through the alias table or get rejected.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
	QuestionShortAnswer    QuestionType = "short-answer"
	QuestionLongAnswer     QuestionType = "long-answer"
)

var questionTypeAliases = map[string]QuestionType{
	"mcq":             QuestionMultipleChoice,
	"multiple-choice": QuestionMultipleChoice,
	"multiple_choice": QuestionMultipleChoice,
	"true-false":      QuestionTrueFalse,
	"true_false":      QuestionTrueFalse,
	"truefalse":       QuestionTrueFalse,
	"tf":              QuestionTrueFalse,
	"boolean":         QuestionTrueFalse,
	"short-answer":    QuestionShortAnswer,
	"short_answer":    QuestionShortAnswer,
	"short":           QuestionShortAnswer,
	"long-answer":     QuestionLongAnswer,
	"long_answer":     QuestionLongAnswer,
	"long":            QuestionLongAnswer,
	"essay":           QuestionLongAnswer,
}

const (
	DefaultTimeLimitMinutes    = 30
	DefaultPassingScorePercent = 70
)

type ExamSettings struct {
	TimeLimitMinutes    int `json:"time_limit_minutes"`
	PassingScorePercent int `json:"passing_score_percent"`
}

type NormalizedQuestion struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"type"`
	Prompt        string       `json:"prompt"`
	Choices       []string     `json:"choices,omitempty"`
	CorrectChoice *string      `json:"correct_choice,omitempty"`
	CorrectBool   *bool        `json:"correct_bool,omitempty"`
	Rubric        string       `json:"rubric,omitempty"`
	Points        float64      `json:"points"`
}

type NormalizedExam struct {
	Title     string               `json:"title"`
	Subject   string               `json:"subject,omitempty"`
	Settings  ExamSettings         `json:"settings"`
	Questions []NormalizedQuestion `json:"questions"`
}

// IsObjective reports whether the question is deterministically gradable.
func (q NormalizedQuestion) IsObjective() bool {
	return q.Type == QuestionMultipleChoice || q.Type == QuestionTrueFalse
}

type NormalizeResult struct {
	Normalized *NormalizedExam `json:"normalized"`
	Errors     []string        `json:"errors"`
	Warnings   []string        `json:"warnings"`
}

// Normalize converts an arbitrary uploaded JSON document into the canonical
// exam schema. Malformed questions are reported by index and excluded without
// aborting their siblings, but any error at all leaves Normalized nil.
func Normalize(raw []byte) NormalizeResult {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return NormalizeResult{Errors: []string{"exam payload is not a JSON object"}, Warnings: []string{}}
	}
	return NormalizeDocument(doc)
}

func NormalizeDocument(doc map[string]any) NormalizeResult {
	errs := []string{}
	warnings := []string{}

	meta, _ := doc["examMetadata"].(map[string]any)

	title := firstString(meta, doc, "title")
	subjectName := firstString(meta, doc, "subject")

	rawQuestions, _ := doc["questions"].([]any)
	if title == "" || len(rawQuestions) == 0 {
		errs = append(errs, "missing title or question set")
	}

	seen := make(map[string]struct{}, len(rawQuestions))
	questions := make([]NormalizedQuestion, 0, len(rawQuestions))

	for i, rawQ := range rawQuestions {
		idx := i + 1

		entry, ok := rawQ.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("question %d: malformed question entry", idx))
			continue
		}

		q, qErrs, qWarnings := normalizeQuestion(entry, idx, seen)
		errs = append(errs, qErrs...)
		warnings = append(warnings, qWarnings...)
		if len(qErrs) > 0 {
			continue
		}

		seen[q.ID] = struct{}{}
		questions = append(questions, q)
	}

	if len(errs) > 0 {
		return NormalizeResult{Errors: errs, Warnings: warnings}
	}

	return NormalizeResult{
		Normalized: &NormalizedExam{
			Title:     title,
			Subject:   subjectName,
			Settings:  normalizeSettings(doc, meta),
			Questions: questions,
		},
		Errors:   errs,
		Warnings: warnings,
	}
}

func normalizeQuestion(entry map[string]any, idx int, seen map[string]struct{}) (NormalizedQuestion, []string, []string) {
	var errs, warnings []string

	qType, ok := questionTypeAliases[strings.TrimSpace(strings.ToLower(stringOf(entry["type"])))]
	if !ok {
		errs = append(errs, fmt.Sprintf("question %d: unsupported question type %q", idx, stringOf(entry["type"])))
	}

	prompt := strings.TrimSpace(stringOf(entry["prompt"]))
	if prompt == "" {
		prompt = strings.TrimSpace(stringOf(entry["questionText"]))
	}
	if prompt == "" {
		errs = append(errs, fmt.Sprintf("question %d: missing prompt", idx))
	}

	id, idErr := deriveQuestionID(entry["id"], idx, seen)
	if idErr != "" {
		errs = append(errs, fmt.Sprintf("question %d: %s", idx, idErr))
	}

	q := NormalizedQuestion{
		ID:     id,
		Type:   qType,
		Prompt: prompt,
		Points: pointsOf(entry["points"]),
	}

	if len(errs) > 0 {
		return q, errs, warnings
	}

	switch qType {
	case QuestionMultipleChoice:
		choices, ok := choicesOf(entry)
		if !ok {
			errs = append(errs, fmt.Sprintf("question %d: malformed answer schema", idx))
			break
		}
		q.Choices = choices
		if rawCorrect, present := entry["correctAnswer"]; present && rawCorrect != nil {
			correct, ok := rawCorrect.(string)
			if !ok || !containsString(choices, correct) {
				errs = append(errs, fmt.Sprintf("question %d: correct answer not among choices", idx))
				break
			}
			q.CorrectChoice = &correct
		}
	case QuestionTrueFalse:
		if rawCorrect, present := entry["correctAnswer"]; present && rawCorrect != nil {
			if b, ok := coerceBool(rawCorrect); ok {
				q.CorrectBool = &b
			} else {
				warnings = append(warnings, fmt.Sprintf("question %d: unrecognized true-false answer; left ungraded", idx))
			}
		}
	case QuestionShortAnswer, QuestionLongAnswer:
		if rubric := strings.TrimSpace(stringOf(entry["rubric"])); rubric != "" {
			q.Rubric = rubric
		}
	}

	return q, errs, warnings
}

// deriveQuestionID slugs the provided id (or synthesizes q{index}) and falls
// back to q{index} on emptiness or collision; a second collision is an error.
func deriveQuestionID(raw any, idx int, seen map[string]struct{}) (string, string) {
	provided := stringOf(raw)
	if provided == "" {
		if n, ok := raw.(float64); ok {
			provided = strconv.FormatFloat(n, 'f', -1, 64)
		}
	}

	id := slugify(provided)
	fallback := fmt.Sprintf("q%d", idx)

	if id == "" {
		id = fallback
	} else if _, taken := seen[id]; taken {
		id = fallback
	}
	if _, taken := seen[id]; taken {
		return "", "duplicate question id after normalization"
	}
	return id, ""
}

// slugify lower-cases and replaces runs outside [a-z0-9-] with a single
// hyphen, trimming leading and trailing hyphens.
func slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}

func normalizeSettings(doc, meta map[string]any) ExamSettings {
	settings, _ := doc["settings"].(map[string]any)
	if settings == nil && meta != nil {
		settings, _ = meta["settings"].(map[string]any)
	}

	out := ExamSettings{
		TimeLimitMinutes:    DefaultTimeLimitMinutes,
		PassingScorePercent: DefaultPassingScorePercent,
	}
	if settings == nil {
		return out
	}
	if v, ok := settings["timeLimitMinutes"].(float64); ok && v > 0 {
		out.TimeLimitMinutes = int(v)
	}
	if v, ok := settings["passingScorePercent"].(float64); ok && v > 0 {
		out.PassingScorePercent = int(v)
	}
	return out
}

func choicesOf(entry map[string]any) ([]string, bool) {
	raw, ok := entry["choices"].([]any)
	if !ok {
		raw, ok = entry["options"].([]any)
	}
	if !ok || len(raw) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.TrimSpace(strings.ToLower(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func firstString(meta, doc map[string]any, key string) string {
	if meta != nil {
		if s := strings.TrimSpace(stringOf(meta[key])); s != "" {
			return s
		}
	}
	return strings.TrimSpace(stringOf(doc[key]))
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func pointsOf(v any) float64 {
	if n, ok := v.(float64); ok && n > 0 {
		return n
	}
	return 1
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
