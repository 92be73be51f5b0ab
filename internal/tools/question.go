package tools

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// handleAskUserQuestion formats a clarifying question for the client.
// The result carries both a markdown rendering for plain clients and
// an HTML rendering for rich ones.
func handleAskUserQuestion(ctx context.Context, args map[string]any) (string, error) {
	const tool = "ask_user_question"

	question := strings.TrimSpace(stringArg(args, "question"))
	if question == "" {
		return failResult(tool, "question must not be empty")
	}

	qType := stringArg(args, "question_type")
	switch qType {
	case "single_choice", "multi_choice", "boolean":
	default:
		return failResult(tool, fmt.Sprintf("question_type must be single_choice, multi_choice, or boolean, got %q", qType))
	}

	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, item := range raw {
			s, _ := item.(string)
			if strings.TrimSpace(s) != "" {
				options = append(options, strings.TrimSpace(s))
			}
		}
	}

	switch qType {
	case "boolean":
		options = []string{"Yes", "No"}
	default:
		if len(options) < 2 {
			return failResult(tool, "at least 2 non-empty options are required")
		}
	}

	markdown := formatQuestionMarkdown(question, qType, options)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return failResult(tool, fmt.Sprintf("render question: %v", err))
	}

	return okResult(tool, "Question presented to user", map[string]any{
		"question":      question,
		"question_type": qType,
		"options":       options,
		"markdown":      markdown,
		"html":          buf.String(),
	})
}

// formatQuestionMarkdown labels choices A, B, C so the user can answer
// with a single letter.
func formatQuestionMarkdown(question, qType string, options []string) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(question)
	b.WriteString("**\n\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "- **%c)** %s\n", 'A'+i, opt)
	}
	if qType == "multi_choice" {
		b.WriteString("\n_Select all that apply._\n")
	}
	return b.String()
}
