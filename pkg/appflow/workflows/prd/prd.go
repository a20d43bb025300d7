// Package prd is the workflow that turns a product idea into a reviewed
// requirements document.
//
//	collect_idea -> clarify -> draft -> review -+-> finalize -> END
//	                                      ^     +-> revise --+
//	                                      +------------------+
//	                                            +-> failed -> END
//
// The thread suspends in collect_idea for the idea, in clarify for answers
// to the model's questions, and in review for every approval decision.
// Drafting and revising go through a tool.Gateway.
package prd

import (
	"errors"
	"time"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/tool"
)

// Name is the workflow's graph name.
const Name = "prd"

// Node IDs.
const (
	NodeCollectIdea = "collect_idea"
	NodeClarify     = "clarify"
	NodeDraft       = "draft"
	NodeReview      = "review"
	NodeRevise      = "revise"
	NodeFinalize    = "finalize"
	NodeFailed      = "failed"
)

// State fields.
const (
	FieldIdea      = "idea"
	FieldQuestions = "questions"
	FieldAnswers   = "answers"
	FieldTitle     = "title"
	FieldDocument  = "document"
	FieldApproved  = "approved"
	FieldFeedback  = "feedback"
	FieldRevisions = "revisions"
	FieldArtifact  = "artifact"
	FieldSummary   = "summary"
	FieldLog       = "log"
)

// Tool names.
const (
	ToolQuestions = "prd.questions"
	ToolDraft     = "prd.draft"
	ToolRevise    = "prd.revise"
)

// DefaultMaxRevisions bounds the review loop when Deps leaves it unset.
const DefaultMaxRevisions = 3

// Schema is the workflow's merge-policy table.
func Schema() appflow.Schema {
	return appflow.Schema{
		FieldIdea:      appflow.Overwrite,
		FieldQuestions: appflow.Overwrite,
		FieldAnswers:   appflow.Overwrite,
		FieldTitle:     appflow.Overwrite,
		FieldDocument:  appflow.Overwrite,
		FieldApproved:  appflow.Overwrite,
		FieldFeedback:  appflow.Overwrite,
		FieldRevisions: appflow.Overwrite,
		FieldArtifact:  appflow.Overwrite,
		FieldSummary:   appflow.Overwrite,
		FieldLog:       appflow.Append,
	}
}

// Deps are the workflow's collaborators.
type Deps struct {
	// Gateway answers the prd.* tools. Required. New wraps it in a
	// tool.ValidatingGateway over Catalog(), so every payload is checked.
	Gateway tool.Gateway

	// Writer stores the approved document. Nil writes markdown files
	// under OutputDir.
	Writer ArtifactWriter

	// OutputDir is where the default writer puts documents.
	OutputDir string

	// MaxRevisions bounds the review loop. Zero means DefaultMaxRevisions.
	MaxRevisions int

	// Now replaces time.Now.
	Now func() time.Time
}

type workflow struct {
	gateway      tool.Gateway
	writer       ArtifactWriter
	maxRevisions int
	now          func() time.Time
}

// New builds the workflow graph.
func New(deps Deps) (*appflow.Graph, error) {
	if deps.Gateway == nil {
		return nil, errors.New("prd: a tool gateway is required")
	}
	w := &workflow{
		gateway:      tool.NewValidatingGateway(Catalog(), deps.Gateway),
		writer:       deps.Writer,
		maxRevisions: deps.MaxRevisions,
		now:          deps.Now,
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.writer == nil {
		w.writer = MarkdownWriter{Dir: deps.OutputDir, Now: w.now}
	}
	if w.maxRevisions <= 0 {
		w.maxRevisions = DefaultMaxRevisions
	}

	return appflow.New(appflow.Definition{
		Name:    Name,
		Schema:  Schema(),
		Entry:   NodeCollectIdea,
		Failure: NodeFailed,
		Nodes: map[string]appflow.Node{
			NodeCollectIdea: appflow.NodeFunc(w.collectIdea),
			NodeClarify:     appflow.NodeFunc(w.clarify),
			NodeDraft:       appflow.NodeFunc(w.draft),
			NodeReview:      appflow.NodeFunc(w.review),
			NodeRevise:      appflow.NodeFunc(w.revise),
			NodeFinalize:    appflow.NodeFunc(w.finalize),
			NodeFailed:      appflow.NodeFunc(w.failed),
		},
		Edges: []appflow.Edge{
			appflow.Static(NodeCollectIdea, NodeClarify),
			appflow.Static(NodeClarify, NodeDraft),
			appflow.Static(NodeDraft, NodeReview),
			appflow.Conditional(NodeReview, w.routeReview, NodeFinalize, NodeRevise, NodeFailed),
			appflow.Static(NodeRevise, NodeReview),
			appflow.Static(NodeFinalize, appflow.END),
			appflow.Static(NodeFailed, appflow.END),
		},
	})
}

// routeReview finalizes an approved draft and otherwise revises until the
// revision budget is spent.
func (w *workflow) routeReview(_ appflow.Context, s appflow.State) string {
	switch {
	case s.Bool(FieldApproved):
		return NodeFinalize
	case s.Int(FieldRevisions) < w.maxRevisions:
		return NodeRevise
	default:
		return NodeFailed
	}
}

// Tools returns the definitions of the tools the workflow calls.
func Tools() []tool.Definition {
	return []tool.Definition{
		{
			Name:        ToolQuestions,
			Description: "Ask the clarifying questions needed before a product requirements document can be written for the idea.",
			InputSchema: `{
				"type": "object",
				"required": ["idea"],
				"properties": {"idea": {"type": "string", "minLength": 1}}
			}`,
			OutputSchema: `{
				"type": "object",
				"required": ["questions"],
				"properties": {
					"questions": {"type": "array", "minItems": 1, "items": {"type": "string"}}
				}
			}`,
		},
		{
			Name:        ToolDraft,
			Description: "Write a product requirements document in markdown for the idea, using the answers to the clarifying questions.",
			InputSchema: `{
				"type": "object",
				"required": ["idea", "answers"],
				"properties": {
					"idea": {"type": "string"},
					"questions": {"type": "array", "items": {"type": "string"}},
					"answers": {"type": "string"}
				}
			}`,
			OutputSchema: `{
				"type": "object",
				"required": ["title", "document"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"document": {"type": "string", "minLength": 1}
				}
			}`,
		},
		{
			Name:        ToolRevise,
			Description: "Revise the markdown product requirements document to address the reviewer's feedback.",
			InputSchema: `{
				"type": "object",
				"required": ["document", "feedback"],
				"properties": {
					"document": {"type": "string"},
					"feedback": {"type": "string"}
				}
			}`,
			OutputSchema: `{
				"type": "object",
				"required": ["document"],
				"properties": {"document": {"type": "string", "minLength": 1}}
			}`,
		},
	}
}

// Catalog returns a catalog holding Tools.
func Catalog() *tool.Catalog {
	return tool.MustCatalog(Tools()...)
}

const ideaSchema = `{
	"type": "object",
	"properties": {"idea": {"type": "string", "minLength": 1}}
}`

const answersSchema = `{
	"type": "object",
	"properties": {"answers": {"type": "string", "minLength": 1}}
}`

const reviewSchema = `{
	"type": "object",
	"properties": {
		"approved": {"type": "boolean"},
		"feedback": {"type": "string"}
	}
}`
