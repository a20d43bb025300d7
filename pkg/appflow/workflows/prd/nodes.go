package prd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize/english"

	"github.com/randalmurphal/appflow/pkg/appflow"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
	"github.com/randalmurphal/appflow/pkg/appflow/tool"
)

func (w *workflow) collectIdea(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	idea := strings.TrimSpace(s.String(FieldIdea))
	if idea == "" {
		return appflow.Result{Suspend: &appflow.Suspension{
			Prompt:  "What product should the requirements document describe?",
			Expects: []string{FieldIdea},
			Schema:  ideaSchema,
		}}, nil
	}
	ctx.Logger().Info("idea collected", "chars", len(idea))
	return appflow.Update(appflow.Patch{
		FieldIdea:      idea,
		FieldRevisions: 0,
		FieldApproved:  false,
		FieldFeedback:  "",
		FieldLog:       "idea collected",
	}), nil
}

// clarify asks the model for questions, then waits for the answers. The
// questions are stored with the suspension so the resumed run doesn't ask
// again.
func (w *workflow) clarify(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	if ctx.Resumed() {
		return appflow.Update(appflow.Patch{FieldLog: "questions answered"}), nil
	}

	out, err := w.invoke(ctx, ToolQuestions, map[string]any{FieldIdea: s.String(FieldIdea)})
	if err != nil {
		return appflow.Result{}, err
	}
	questions, err := outputStrings(ToolQuestions, out, FieldQuestions)
	if err != nil {
		return appflow.Result{}, err
	}

	var prompt strings.Builder
	prompt.WriteString("Answer these questions about the idea:")
	for i, q := range questions {
		fmt.Fprintf(&prompt, "\n%d. %s", i+1, q)
	}
	return appflow.Result{
		Patch: appflow.Patch{
			FieldQuestions: questions,
			FieldLog:       fmt.Sprintf("asked %s", english.Plural(len(questions), "question", "")),
		},
		Suspend: &appflow.Suspension{
			Prompt:  prompt.String(),
			Expects: []string{FieldAnswers},
			Schema:  answersSchema,
		},
	}, nil
}

func (w *workflow) draft(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	out, err := w.invoke(ctx, ToolDraft, map[string]any{
		FieldIdea:      s.String(FieldIdea),
		FieldQuestions: s.Strings(FieldQuestions),
		FieldAnswers:   s.String(FieldAnswers),
	})
	if err != nil {
		return appflow.Result{}, err
	}
	title, err := outputString(ToolDraft, out, FieldTitle)
	if err != nil {
		return appflow.Result{}, err
	}
	doc, err := outputString(ToolDraft, out, FieldDocument)
	if err != nil {
		return appflow.Result{}, err
	}
	return appflow.Update(appflow.Patch{
		FieldTitle:    title,
		FieldDocument: doc,
		FieldLog:      fmt.Sprintf("drafted %q", title),
	}), nil
}

// review parks the thread on every entry until a reviewer decides.
func (w *workflow) review(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	if !ctx.Resumed() {
		return appflow.Result{
			Patch: appflow.Patch{FieldApproved: false},
			Suspend: &appflow.Suspension{
				Prompt:  fmt.Sprintf("Approve %q (revision %d)? Leave feedback to request changes.", s.String(FieldTitle), s.Int(FieldRevisions)),
				Expects: []string{FieldApproved},
				Schema:  reviewSchema,
			},
		}, nil
	}

	decision := "changes requested"
	if s.Bool(FieldApproved) {
		decision = "approved"
	}
	ctx.Logger().Info("draft reviewed", "decision", decision, "revision", s.Int(FieldRevisions))
	return appflow.Update(appflow.Patch{FieldLog: "review: " + decision}), nil
}

func (w *workflow) revise(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	out, err := w.invoke(ctx, ToolRevise, map[string]any{
		FieldDocument: s.String(FieldDocument),
		FieldFeedback: s.String(FieldFeedback),
	})
	if err != nil {
		return appflow.Result{}, err
	}
	doc, err := outputString(ToolRevise, out, FieldDocument)
	if err != nil {
		return appflow.Result{}, err
	}
	n := s.Int(FieldRevisions) + 1
	return appflow.Update(appflow.Patch{
		FieldDocument:  doc,
		FieldRevisions: n,
		FieldFeedback:  "",
		FieldLog:       fmt.Sprintf("revision %d", n),
	}), nil
}

func (w *workflow) finalize(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	where, err := w.writer.Write(ctx, Artifact{
		Title:     s.String(FieldTitle),
		Idea:      s.String(FieldIdea),
		Document:  s.String(FieldDocument),
		Revisions: s.Int(FieldRevisions),
	})
	if err != nil {
		return appflow.Result{}, apperrors.Fatal(err, "write document")
	}
	ctx.Logger().Info("document written", "location", where)
	return appflow.Update(appflow.Patch{
		FieldArtifact: where,
		FieldLog:      "written to " + where,
	}), nil
}

// failed is the failure node.
func (w *workflow) failed(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	summary := Summarize(s)
	ctx.Logger().Warn("workflow failed", "summary", summary)
	return appflow.Update(appflow.Patch{
		FieldSummary: summary,
		FieldLog:     "failed",
	}), nil
}

// Summarize describes why a thread failed.
func Summarize(s appflow.State) string {
	var b strings.Builder
	name := s.String(FieldTitle)
	if name == "" {
		name = s.String(FieldIdea)
	}
	if name == "" {
		b.WriteString("PRD failed")
	} else {
		fmt.Fprintf(&b, "PRD %q failed", name)
	}

	n := s.Int(FieldRevisions)
	errs := s.Strings(appflow.FieldErrors)
	if len(errs) == 0 && s.Has(FieldDocument) {
		fmt.Fprintf(&b, ": not approved after %s.", english.Plural(n, "revision", ""))
	} else {
		b.WriteString(".")
	}
	if len(errs) > 0 {
		fmt.Fprintf(&b, " Last error: %s", errs[len(errs)-1])
	}
	return b.String()
}

func (w *workflow) invoke(ctx appflow.Context, name string, input map[string]any) (map[string]any, error) {
	resp, err := w.gateway.Invoke(ctx, tool.Request{Tool: name, Input: input})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ctx.Logger().Debug("tool answered", "tool", name, "duration_ms", resp.Duration.Milliseconds())
	return resp.Output, nil
}

// outputString reads a string field from a tool's output. A missing or
// mistyped value is a validation error, never an empty string.
func outputString(name string, out map[string]any, field string) (string, error) {
	v, ok := out[field].(string)
	if !ok {
		return "", mistyped(name, field, "string", out[field])
	}
	return v, nil
}

func outputStrings(name string, out map[string]any, field string) ([]string, error) {
	switch t := out[field].(type) {
	case []string:
		return t, nil
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, mistyped(name, field, "array of strings", t)
			}
			items = append(items, s)
		}
		return items, nil
	}
	return nil, mistyped(name, field, "array of strings", out[field])
}

func mistyped(name, field, want string, got any) error {
	err := fmt.Errorf("%s: want %s, got %T", field, want, got)
	return fmt.Errorf("%s: %w", name, &tool.ValidationError{
		Tool:   name,
		Phase:  tool.PhaseOutput,
		Detail: err.Error(),
		Err:    err,
	})
}
