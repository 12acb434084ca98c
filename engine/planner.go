package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/tool"
)

// StepType names a plan step kind. Retrieval is currently the only kind.
type StepType string

const StepRetrieve StepType = "retrieve"

// Plan is a per-request, ordered list of retrieval steps.
type Plan struct {
	Locale    string     `json:"locale"`
	Rationale string     `json:"rationale,omitempty"`
	Title     string     `json:"title,omitempty"`
	Steps     []PlanStep `json:"steps"`
}

// PlanStep is one sub-question to resolve by retrieval. DocID, when set,
// scopes the retrieval to that document.
type PlanStep struct {
	Title string   `json:"title"`
	Type  StepType `json:"type"`
	DocID string   `json:"doc_id,omitempty"`
}

// ExecutionResult is one step's outcome, held only for the request.
type ExecutionResult struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Query  string `json:"query"`
	Result string `json:"result,omitempty"`
	Err    string `json:"error,omitempty"`
	DocID  string `json:"doc_id,omitempty"`
}

// PlannerConfig bounds plan generation and execution.
type PlannerConfig struct {
	MaxSteps    int           `yaml:"max_steps" json:"max_steps"`
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`
}

// DefaultPlannerConfig returns the default bounds.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxSteps:    5,
		StepTimeout: 30 * time.Second,
	}
}

const planPrompt = `Break the user's question into at most %d focused sub-questions that can each be answered by retrieving passages from the documents listed below. Reply with a JSON object only:

{"rationale": "...", "title": "...", "steps": [{"title": "sub-question", "doc_id": "document id or empty"}]}

Documents:
%s
Locale: %s`

// Planner generates and executes deterministic retrieval plans.
type Planner struct {
	caller   *llm.Caller
	recall   *tool.RecallTool
	docTools *tool.DocToolCache
	config   PlannerConfig
	logger   *zap.Logger
}

// NewPlanner creates a planner sharing the global model-call bound.
func NewPlanner(caller *llm.Caller, recall *tool.RecallTool, docTools *tool.DocToolCache, config PlannerConfig, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxSteps <= 0 {
		config = DefaultPlannerConfig()
	}
	return &Planner{
		caller:   caller,
		recall:   recall,
		docTools: docTools,
		config:   config,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// GeneratePlan produces sub-questions via one model call. Target-document
// ids are resolved case-insensitively against the known set; an
// unresolvable id is dropped and its step runs unscoped. Generation
// failure or an empty step list falls back to a single step carrying the
// raw query.
func (p *Planner) GeneratePlan(ctx context.Context, req *Request) *Plan {
	plan, err := p.generate(ctx, req)
	if err != nil || len(plan.Steps) == 0 {
		p.logger.Warn("plan generation fell back to raw query",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return &Plan{
			Locale: req.Locale,
			Title:  req.Query,
			Steps:  []PlanStep{{Title: req.Query, Type: StepRetrieve}},
		}
	}
	return plan
}

func (p *Planner) generate(ctx context.Context, req *Request) (*Plan, error) {
	var docs strings.Builder
	known := make(map[string]string, len(req.Documents))
	for _, d := range req.Documents {
		fmt.Fprintf(&docs, "- %s: %s\n", d.ID, d.Name)
		known[strings.ToLower(d.ID)] = d.ID
	}
	if docs.Len() == 0 {
		docs.WriteString("(none)\n")
	}

	prompt := fmt.Sprintf(planPrompt, p.config.MaxSteps, docs.String(), req.Locale)
	resp, err := p.caller.Completion(ctx, &llm.ChatRequest{
		SessionID: req.SessionID,
		Model:     req.Model,
		Messages:  llm.SystemAndUser(prompt, req.Query),
	})
	if err != nil {
		return nil, fmt.Errorf("plan model call: %w", err)
	}

	var raw struct {
		Rationale string `json:"rationale"`
		Title     string `json:"title"`
		Steps     []struct {
			Title string `json:"title"`
			DocID string `json:"doc_id"`
		} `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text())), &raw); err != nil {
		return nil, fmt.Errorf("parse plan output: %w", err)
	}

	plan := &Plan{Locale: req.Locale, Rationale: raw.Rationale, Title: raw.Title}
	for _, s := range raw.Steps {
		if strings.TrimSpace(s.Title) == "" {
			continue
		}
		step := PlanStep{Title: strings.TrimSpace(s.Title), Type: StepRetrieve}
		if s.DocID != "" {
			if resolved, ok := known[strings.ToLower(strings.TrimSpace(s.DocID))]; ok {
				step.DocID = resolved
			} else {
				p.logger.Debug("dropping unresolvable document id",
					zap.String("doc_id", s.DocID),
					zap.String("step", step.Title))
			}
		}
		plan.Steps = append(plan.Steps, step)
		if len(plan.Steps) >= p.config.MaxSteps {
			break
		}
	}
	return plan, nil
}

// Execute runs the plan's steps. The leading run of consecutive retrieval
// steps executes in parallel under the shared model-call bound; every
// later step executes singly.
func (p *Planner) Execute(ctx context.Context, plan *Plan) []ExecutionResult {
	results := make([]ExecutionResult, len(plan.Steps))

	parallel := 0
	for parallel < len(plan.Steps) && plan.Steps[parallel].Type == StepRetrieve {
		parallel++
	}

	if parallel > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.caller.Limit())
		for i := 0; i < parallel; i++ {
			i := i
			g.Go(func() error {
				results[i] = p.runStep(gctx, i, plan.Steps[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := parallel; i < len(plan.Steps); i++ {
		results[i] = p.runStep(ctx, i, plan.Steps[i])
	}
	return results
}

func (p *Planner) runStep(ctx context.Context, index int, step PlanStep) ExecutionResult {
	res := ExecutionResult{
		Index: index,
		Title: step.Title,
		Type:  string(step.Type),
		Query: step.Title,
		DocID: step.DocID,
	}

	var t *tool.RecallTool
	if step.DocID != "" && p.docTools != nil {
		t = p.docTools.Get(step.DocID)
	} else {
		t = p.recall
	}
	res.Tool = t.Name()

	outcome := t.Invoke(ctx, map[string]any{"query": step.Title}, p.config.StepTimeout)
	if outcome.IsError() {
		res.Err = outcome.Error
		p.logger.Warn("plan step failed",
			zap.Int("index", index),
			zap.String("title", step.Title),
			zap.String("error", outcome.Error))
		return res
	}
	res.Result = outcome.Content()
	return res
}

// extractJSON trims prose and code fences around a JSON object.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
