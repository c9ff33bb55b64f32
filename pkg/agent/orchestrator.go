// Package agent orchestrates a chat turn: screen, plan, dispatch tools,
// compose the answer, persist the turn. Tool failures degrade into the
// response envelope; the only errors returned to the caller are user-input
// errors, cancellation, and resource exhaustion.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siplinehq/sipline/pkg/calculator"
	"github.com/siplinehq/sipline/pkg/catalog"
	"github.com/siplinehq/sipline/pkg/guardrail"
	"github.com/siplinehq/sipline/pkg/llms"
	"github.com/siplinehq/sipline/pkg/outlets"
	"github.com/siplinehq/sipline/pkg/planner"
	"github.com/siplinehq/sipline/pkg/session"
)

// ErrEmptyQuestion is a user-input error: the request carried no question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// calcDispatchGate is the calculate score at which a hybrid turn also runs
// the calculator.
const calcDispatchGate = 0.6

// Request is one chat turn input.
type Request struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// Response is the chat envelope. PlanningInfo always carries the Decision,
// even when a tool behind it failed; ToolErrors names what went wrong.
type Response struct {
	Response     string             `json:"response"`
	SessionID    string             `json:"session_id"`
	PlanningInfo planner.Decision   `json:"planning_info"`
	CalcResult   *calculator.Result `json:"calculation_result,omitempty"`
	ProductCount int                `json:"product_count"`
	OutletCount  int                `json:"outlet_count"`
	ToolErrors   []string           `json:"tool_errors,omitempty"`
}

// ProductSearcher is the catalog capability the orchestrator dispatches to.
type ProductSearcher interface {
	SearchSorted(ctx context.Context, query string, k int, key catalog.SortKey) []catalog.Match
}

// OutletAnswerer is the outlet gate capability.
type OutletAnswerer interface {
	Answer(ctx context.Context, question string) outlets.Result
}

// Screener is the pre-planning abuse check. Optional.
type Screener interface {
	Check(ctx context.Context, question string) guardrail.Verdict
}

// Orchestrator wires the planner and tools behind a single Handle call.
type Orchestrator struct {
	planner  *planner.Planner
	sessions *session.Store
	llm      llms.Provider
	products ProductSearcher
	outlets  OutletAnswerer
	screener Screener
	topK     int
}

// Config assembles an Orchestrator. Screener may be nil; TopK zero takes
// the catalog default.
type Config struct {
	Planner  *planner.Planner
	Sessions *session.Store
	LLM      llms.Provider
	Products ProductSearcher
	Outlets  OutletAnswerer
	Screener Screener
	TopK     int
}

func New(cfg Config) *Orchestrator {
	topK := cfg.TopK
	if topK <= 0 {
		topK = catalog.DefaultK
	}
	return &Orchestrator{
		planner:  cfg.Planner,
		sessions: cfg.Sessions,
		llm:      cfg.LLM,
		products: cfg.Products,
		outlets:  cfg.Outlets,
		screener: cfg.Screener,
		topK:     topK,
	}
}

const systemTemplate = `You are a helpful and friendly assistant for Sipline - a Malaysian drinkware brand known for tumblers, cups, and reusable products.

You can help users with:
- Product information (tumblers, cups, bottles, mugs, straws, lids)
- Outlet locations across Kuala Lumpur and Selangor
- Google Maps URLs for outlet locations
- Pricing and availability
- General conversation about drinkware

Previous conversation:
%s

Relevant drinkware products:
%s

Relevant outlet locations:
%s

User question: %s

IMPORTANT INSTRUCTIONS:
- ALWAYS use the information provided in "Relevant outlet locations" and "Relevant drinkware products"
- When outlet information includes Google Maps URLs (📍 Map: ...), present them clearly to users
- When outlet information states "There are X outlets", use this exact information in your response
- When listing outlets or products, include ALL items provided, do not skip any
- Use bullet points for multiple items
- For price-based queries, recommend the lowest priced option first
- DO NOT suggest product listings when the user is asking ONLY about outlet locations or counts
- If you don't have specific information, acknowledge it gracefully and offer alternatives
- USE the previous conversation history to provide context-aware responses
- If the user refers to "that" or "it" or "there", check the conversation history for context`

const notRequested = "Not requested"

// Handle runs one chat turn. A cancelled context returns the context error
// and leaves the session untouched.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	sessionID := o.sessions.GetOrCreate(req.SessionID)

	if o.screener != nil {
		if verdict := o.screener.Check(ctx, question); !verdict.Safe {
			return o.finishBlocked(ctx, sessionID, question, verdict)
		}
	}

	snapshot := o.sessions.Snapshot(sessionID)
	decision := o.planner.Plan(question, snapshot.PlannerContext())

	resp := &Response{
		SessionID:    sessionID,
		PlanningInfo: decision,
	}

	productBlock := notRequested
	outletBlock := notRequested

	switch decision.PrimaryAction {
	case planner.ActionCalculate:
		calc := calculator.ParseAndCalculate(question)
		resp.CalcResult = &calc

	case planner.ActionSearchProducts:
		productBlock = o.searchProducts(ctx, question, decision, resp)

	case planner.ActionSearchOutlets:
		outletBlock = o.searchOutlets(ctx, question, resp)

	case planner.ActionHybrid:
		if decision.Scores.Calculate >= calcDispatchGate {
			calc := calculator.ParseAndCalculate(question)
			resp.CalcResult = &calc
		}
		g, gctx := errgroup.WithContext(ctx)
		if decision.Scores.Products > 0 {
			g.Go(func() error {
				productBlock = o.searchProducts(gctx, question, decision, resp)
				return nil
			})
		}
		if decision.Scores.Outlets > 0 {
			g.Go(func() error {
				outletBlock = o.searchOutlets(gctx, question, resp)
				return nil
			})
		}
		_ = g.Wait()

	case planner.ActionClarify:
		resp.Response = decision.ClarificationPrompt
		return resp, o.persist(ctx, sessionID, question, decision, resp)

	case planner.ActionAnswerDirectly:
		// No tool dispatch; the model answers within the allowed topic.
	}

	prompt := buildPrompt(snapshot.History(), productBlock, outletBlock, question, resp.CalcResult)

	answer, err := o.llm.Complete(ctx, prompt)
	switch {
	case err == nil:
		resp.Response = answer
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, llms.ErrRateLimited):
		return nil, err
	default:
		// Transient model failure: answer from whatever the tools produced.
		slog.Warn("model completion failed, degrading", "error", err)
		resp.ToolErrors = append(resp.ToolErrors, fmt.Sprintf("llm: %v", err))
		resp.Response = fallbackAnswer(productBlock, outletBlock, resp.CalcResult)
	}

	return resp, o.persist(ctx, sessionID, question, decision, resp)
}

func (o *Orchestrator) searchProducts(ctx context.Context, question string, decision planner.Decision, resp *Response) string {
	matches := o.products.SearchSorted(ctx, question, o.topK, catalog.SortKey(decision.Entities.SortKey))
	resp.ProductCount = len(matches)
	return catalog.FormatBlock(matches)
}

func (o *Orchestrator) searchOutlets(ctx context.Context, question string, resp *Response) string {
	result := o.outlets.Answer(ctx, question)
	resp.OutletCount = result.Count
	if result.Kind == outlets.KindError {
		resp.ToolErrors = append(resp.ToolErrors, fmt.Sprintf("outlet_sql: %s", result.ErrorMessage))
	}
	return result.Formatted
}

// finishBlocked answers a screened-out question with the refusal text and
// records the exchange without dispatching any tool.
func (o *Orchestrator) finishBlocked(ctx context.Context, sessionID, question string, verdict guardrail.Verdict) (*Response, error) {
	decision := planner.Decision{
		PrimaryAction: planner.ActionAnswerDirectly,
		Confidence:    1,
		Reasoning:     "screened: " + verdict.Reason,
		ExecutionPlan: []planner.Step{{Tool: "none", Description: "refuse and redirect to the allowed topic"}},
	}
	resp := &Response{
		Response:     guardrail.BlockedResponse,
		SessionID:    sessionID,
		PlanningInfo: decision,
	}
	return resp, o.persist(ctx, sessionID, question, decision, resp)
}

// persist appends the turn and updates metadata. A cancelled request leaves
// the session untouched and surfaces the cancellation.
func (o *Orchestrator) persist(ctx context.Context, sessionID, question string, decision planner.Decision, resp *Response) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	o.sessions.AppendTurn(sessionID, session.Turn{
		User:      question,
		Assistant: resp.Response,
		Decision:  decision,
		Timestamp: time.Now(),
	})

	o.sessions.UpdateMetadata(sessionID, session.MetaLastPrimaryAction, string(decision.PrimaryAction))
	switch decision.PrimaryAction {
	case planner.ActionSearchProducts, planner.ActionHybrid:
		o.sessions.UpdateMetadata(sessionID, session.MetaLastProductQuery, question)
		if decision.PrimaryAction == planner.ActionHybrid {
			o.sessions.UpdateMetadata(sessionID, session.MetaLastOutletQuery, question)
		}
	case planner.ActionSearchOutlets:
		o.sessions.UpdateMetadata(sessionID, session.MetaLastOutletQuery, question)
	case planner.ActionCalculate, planner.ActionClarify, planner.ActionAnswerDirectly:
	}
	if decision.Entities.SortKey != "" {
		o.sessions.UpdateMetadata(sessionID, session.MetaPreferredSort, decision.Entities.SortKey)
	}
	return nil
}

func buildPrompt(history, productBlock, outletBlock, question string, calc *calculator.Result) string {
	prompt := fmt.Sprintf(systemTemplate, history, productBlock, outletBlock, question)

	switch {
	case calc == nil:
	case calc.OK:
		prompt += fmt.Sprintf("\n\nCALCULATION RESULT:\n%s\n\nIMPORTANT: Keep your response BRIEF (1-2 sentences). Simply state the answer and ask if they have any other questions or need help with products or outlets.", calc.Formatted)
	default:
		prompt += fmt.Sprintf("\n\nCALCULATION ERROR:\n%s\n\nIMPORTANT: Keep your response BRIEF (1-2 sentences). Explain the error simply and ask if they have any other questions or need help with products or outlets.", calc.ErrorMessage)
	}
	return prompt
}

// fallbackAnswer composes a plain answer from tool output when the model is
// unavailable.
func fallbackAnswer(productBlock, outletBlock string, calc *calculator.Result) string {
	var parts []string
	if calc != nil && calc.OK {
		parts = append(parts, calc.Formatted)
	}
	if productBlock != notRequested && productBlock != "" {
		parts = append(parts, "Here is what I found in our catalog:\n"+productBlock)
	}
	if outletBlock != notRequested && outletBlock != "" {
		parts = append(parts, outletBlock)
	}
	if len(parts) == 0 {
		return "I'm having trouble answering right now. Please try again in a moment."
	}
	return strings.Join(parts, "\n\n")
}
