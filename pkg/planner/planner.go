// Package planner classifies an incoming question into a tool-invocation
// plan. Planning is pure: the same question and session context always
// produce the same Decision, byte for byte. Non-determinism lives only in
// the language-model-driven tools downstream.
package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/siplinehq/sipline/pkg/catalog"
)

// Action is the planner's output tag. The orchestrator dispatches with a
// total switch over exactly these six values.
type Action string

const (
	ActionSearchProducts Action = "search_products"
	ActionSearchOutlets  Action = "search_outlets"
	ActionCalculate      Action = "calculate"
	ActionHybrid         Action = "hybrid"
	ActionClarify        Action = "clarify"
	ActionAnswerDirectly Action = "answer_directly"
)

// Entities holds the boolean flags extracted from a question, plus the
// keyword hits that produced them (useful for reasoning and debugging).
type Entities struct {
	HasNumbers          bool     `json:"has_numbers"`
	HasOperators        bool     `json:"has_operators"`
	HasMathExpression   bool     `json:"has_math_expression"`
	ProductKeywordsHit  bool     `json:"product_keywords_hit"`
	OutletKeywordsHit   bool     `json:"outlet_keywords_hit"`
	LocationMentioned   bool     `json:"location_mentioned"`
	ReferencesPriorTurn bool     `json:"references_prior_turn"`
	ProductKeywords     []string `json:"product_keywords,omitempty"`
	OutletKeywords      []string `json:"outlet_keywords,omitempty"`
	SortKey             string   `json:"sort_key,omitempty"`
}

// Scores are the per-action scores in [0,1] computed before the decision.
type Scores struct {
	Calculate float64 `json:"calculate"`
	Products  float64 `json:"products"`
	Outlets   float64 `json:"outlets"`
	Hybrid    float64 `json:"hybrid"`
}

// Step is one entry of the ordered execution plan.
type Step struct {
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

// Decision is the immutable planner output.
type Decision struct {
	PrimaryAction       Action   `json:"primary_action"`
	Confidence          float64  `json:"confidence"`
	Reasoning           string   `json:"reasoning"`
	Entities            Entities `json:"entities"`
	Scores              Scores   `json:"scores"`
	MissingInfo         []string `json:"missing_info,omitempty"`
	ExecutionPlan       []Step   `json:"execution_plan"`
	ClarificationPrompt string   `json:"clarification_prompt,omitempty"`
}

// Context is the read-only session context the planner consults. The
// orchestrator builds it from a session snapshot; the planner never sees
// the mutable session itself.
type Context struct {
	TurnCount        int
	LastAction       Action
	LastProductQuery string
	LastOutletQuery  string
	PreferredSort    string
}

// Weights are the scoring constants. The defaults are hand-tuned and
// treated as a calibration knob; tests pin them.
type Weights struct {
	MathExpression       float64 // calculate: contiguous number-operator-number span
	TriggerWithNumbers   float64 // calculate: trigger word plus numeric token
	OperatorsWithNumbers float64 // calculate: standalone operator plus numeric token
	StrongProducts       float64 // products: >=2 keywords, or 1 keyword + sort phrase
	SingleProductKeyword float64
	StrongOutlets        float64 // outlets: keyword + (location or count intent)
	AnyOutletKeyword     float64
	FollowUp             float64 // either retrieval: pronoun follow-up on same action
	HybridFactor         float64 // hybrid = min(products, outlets) * factor
	HybridThreshold      float64 // both retrieval scores must exceed this
	RetrievalGate        float64 // minimum score to dispatch a retrieval action
	HybridGate           float64 // minimum hybrid score to decide hybrid
}

// DefaultWeights returns the calibrated scoring constants.
func DefaultWeights() Weights {
	return Weights{
		MathExpression:       0.9,
		TriggerWithNumbers:   0.7,
		OperatorsWithNumbers: 0.6,
		StrongProducts:       0.8,
		SingleProductKeyword: 0.6,
		StrongOutlets:        0.85,
		AnyOutletKeyword:     0.65,
		FollowUp:             0.3,
		HybridFactor:         0.9,
		HybridThreshold:      0.5,
		RetrievalGate:        0.6,
		HybridGate:           0.5,
	}
}

const (
	confidenceClarify        = 0.5
	confidenceAnswerDirectly = 0.4

	// Questions longer than this are never ambiguous enough to clarify.
	clarifyMaxLen = 40
)

var (
	numberTokenRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
	mathSpanRe    = regexp.MustCompile(`\d+(?:\.\d+)?\s*(?:\*\*|[+\-*/%])\s*\d+(?:\.\d+)?`)
	postalCodeRe  = regexp.MustCompile(`\b\d{5}\b`)
	nonWordRe     = regexp.MustCompile(`[^a-z0-9 ]+`)
)

// Planner computes Decisions. Safe for concurrent use; it holds only
// immutable configuration.
type Planner struct {
	weights Weights
	cities  []string
}

// Config customizes a Planner. Zero values fall back to defaults.
type Config struct {
	Weights *Weights
	Cities  []string
}

func New(cfg Config) *Planner {
	weights := DefaultWeights()
	if cfg.Weights != nil {
		weights = *cfg.Weights
	}
	cities := cfg.Cities
	if len(cities) == 0 {
		cities = defaultCities
	}
	return &Planner{weights: weights, cities: cities}
}

// Plan produces the Decision for a question given the session context.
func (p *Planner) Plan(question string, sctx Context) Decision {
	entities := p.extractEntities(question)
	scores := p.score(question, entities, sctx)

	decision := Decision{
		Entities: entities,
		Scores:   scores,
	}

	maxRetrieval := scores.Products
	if scores.Outlets > maxRetrieval {
		maxRetrieval = scores.Outlets
	}

	switch {
	case scores.Calculate >= p.weights.RetrievalGate && scores.Calculate >= maxRetrieval:
		if maxRetrieval >= p.weights.RetrievalGate {
			decision.PrimaryAction = ActionHybrid
		} else {
			decision.PrimaryAction = ActionCalculate
		}
		decision.Confidence = scores.Calculate

	case scores.Hybrid >= p.weights.HybridGate:
		decision.PrimaryAction = ActionHybrid
		decision.Confidence = scores.Hybrid

	case maxRetrieval >= p.weights.RetrievalGate:
		// Ties break toward products.
		if scores.Products >= scores.Outlets {
			decision.PrimaryAction = ActionSearchProducts
			decision.Confidence = scores.Products
		} else {
			decision.PrimaryAction = ActionSearchOutlets
			decision.Confidence = scores.Outlets
		}

	case len(question) <= clarifyMaxLen && entities.ReferencesPriorTurn && sctx.TurnCount > 0:
		decision.PrimaryAction = ActionClarify
		decision.Confidence = confidenceClarify
		decision.ClarificationPrompt = p.clarificationPrompt(sctx)
		decision.MissingInfo = missingInfoTags(sctx)

	default:
		decision.PrimaryAction = ActionAnswerDirectly
		decision.Confidence = confidenceAnswerDirectly
	}

	decision.Reasoning = buildReasoning(entities, scores, decision.PrimaryAction)
	decision.ExecutionPlan = buildExecutionPlan(decision.PrimaryAction, scores, entities, p.weights.RetrievalGate)
	return decision
}

func (p *Planner) extractEntities(question string) Entities {
	lower := strings.ToLower(question)
	normalized := " " + strings.Join(strings.Fields(nonWordRe.ReplaceAllString(lower, " ")), " ") + " "

	e := Entities{
		HasNumbers:        numberTokenRe.MatchString(lower),
		HasMathExpression: mathSpanRe.MatchString(lower),
	}

	for _, tok := range strings.Fields(question) {
		switch tok {
		case "+", "-", "*", "/", "%", "**":
			e.HasOperators = true
		}
	}

	for _, kw := range productKeywords {
		if containsPhrase(normalized, kw) {
			e.ProductKeywords = append(e.ProductKeywords, kw)
		}
	}
	e.ProductKeywordsHit = len(e.ProductKeywords) > 0

	for _, kw := range outletKeywords {
		if containsPhrase(normalized, kw) {
			e.OutletKeywords = append(e.OutletKeywords, kw)
		}
	}
	e.OutletKeywordsHit = len(e.OutletKeywords) > 0

	for _, city := range p.cities {
		if containsPhrase(normalized, city) {
			e.LocationMentioned = true
			break
		}
	}
	if !e.LocationMentioned && postalCodeRe.MatchString(lower) {
		e.LocationMentioned = true
	}

	// A pronoun with no concrete subject in the same utterance points at a
	// prior turn.
	if !e.ProductKeywordsHit && !e.OutletKeywordsHit {
		for _, pronoun := range pronounTokens {
			if containsPhrase(normalized, pronoun) {
				e.ReferencesPriorTurn = true
				break
			}
		}
	}

	if key := catalog.DetectSortKey(question); key != catalog.SortNone {
		e.SortKey = string(key)
	}

	return e
}

func (p *Planner) score(question string, e Entities, sctx Context) Scores {
	lower := strings.ToLower(question)
	w := p.weights
	var s Scores

	hasTrigger := false
	for _, trigger := range calculationTriggers {
		if strings.Contains(lower, trigger) {
			hasTrigger = true
			break
		}
	}

	switch {
	case e.HasMathExpression:
		s.Calculate = w.MathExpression
	case hasTrigger && e.HasNumbers:
		s.Calculate = w.TriggerWithNumbers
	case e.HasOperators && e.HasNumbers:
		s.Calculate = w.OperatorsWithNumbers
	}

	switch {
	case len(e.ProductKeywords) >= 2 || (len(e.ProductKeywords) >= 1 && e.SortKey != ""):
		s.Products = w.StrongProducts
	case len(e.ProductKeywords) == 1:
		s.Products = w.SingleProductKeyword
	case e.ReferencesPriorTurn && sctx.LastAction == ActionSearchProducts:
		s.Products = w.FollowUp
	}

	hasCountIntent := false
	for _, word := range countIntentWords {
		if strings.Contains(lower, word) {
			hasCountIntent = true
			break
		}
	}

	switch {
	case e.OutletKeywordsHit && (e.LocationMentioned || hasCountIntent):
		s.Outlets = w.StrongOutlets
	case e.OutletKeywordsHit:
		s.Outlets = w.AnyOutletKeyword
	case e.ReferencesPriorTurn && sctx.LastAction == ActionSearchOutlets:
		s.Outlets = w.FollowUp
	}

	if s.Products > w.HybridThreshold && s.Outlets > w.HybridThreshold {
		hybrid := s.Products
		if s.Outlets < hybrid {
			hybrid = s.Outlets
		}
		s.Hybrid = hybrid * w.HybridFactor
	}

	return s
}

// containsPhrase matches a keyword (or its plain plural) against a
// space-normalized question with word boundaries.
func containsPhrase(normalized, phrase string) bool {
	for _, variant := range []string{phrase, phrase + "s", phrase + "es"} {
		if strings.Contains(normalized, " "+variant+" ") {
			return true
		}
	}
	return false
}

func (p *Planner) clarificationPrompt(sctx Context) string {
	switch {
	case sctx.LastAction == ActionSearchProducts && sctx.LastProductQuery != "":
		return fmt.Sprintf("Are you still asking about %q? Let me know what you'd like to check, such as price, capacity, or color options.", sctx.LastProductQuery)
	case sctx.LastAction == ActionSearchOutlets && sctx.LastOutletQuery != "":
		return fmt.Sprintf("Are you still asking about outlets related to %q? Which area should I look at, for example Shah Alam, Petaling Jaya, or Kuala Lumpur?", sctx.LastOutletQuery)
	case sctx.LastAction == ActionSearchProducts:
		return "What type of drinkware are you interested in? We have tumblers, bottles, mugs, and cold cups."
	case sctx.LastAction == ActionSearchOutlets:
		return "Which area are you looking for? For example: Shah Alam, Petaling Jaya, Subang, or Kuala Lumpur?"
	default:
		return "Could you share a bit more detail about what you're looking for?"
	}
}

func missingInfoTags(sctx Context) []string {
	switch sctx.LastAction {
	case ActionSearchProducts:
		return []string{"missing:product_category"}
	case ActionSearchOutlets:
		return []string{"missing:location"}
	default:
		return []string{"missing:intent"}
	}
}

func buildReasoning(e Entities, s Scores, action Action) string {
	var parts []string

	if e.HasMathExpression {
		parts = append(parts, fmt.Sprintf("math expression detected (calculate=%.2f)", s.Calculate))
	} else if s.Calculate > 0 {
		parts = append(parts, fmt.Sprintf("numeric calculation signals (calculate=%.2f)", s.Calculate))
	}
	if len(e.ProductKeywords) > 0 {
		shown := e.ProductKeywords
		if len(shown) > 3 {
			shown = shown[:3]
		}
		parts = append(parts, fmt.Sprintf("product keywords %v (products=%.2f)", shown, s.Products))
	}
	if len(e.OutletKeywords) > 0 {
		shown := e.OutletKeywords
		if len(shown) > 3 {
			shown = shown[:3]
		}
		parts = append(parts, fmt.Sprintf("outlet keywords %v (outlets=%.2f)", shown, s.Outlets))
	}
	if e.LocationMentioned {
		parts = append(parts, "location mentioned")
	}
	if e.ReferencesPriorTurn {
		parts = append(parts, "pronoun reference to a prior turn")
	}
	if len(parts) == 0 {
		parts = append(parts, "no tool signals detected")
	}

	return strings.Join(parts, "; ") + "; decided " + string(action)
}

func buildExecutionPlan(action Action, s Scores, e Entities, calcGate float64) []Step {
	composeStep := Step{Tool: "llm", Description: "compose the final answer from retrieved context"}

	productStep := Step{Tool: "product_index", Description: "semantic search over the product catalog"}
	if e.SortKey != "" {
		productStep.Description += " sorted by " + e.SortKey
	}
	outletStep := Step{Tool: "outlet_sql", Description: "generate and execute a validated outlet query"}
	calcStep := Step{Tool: "calculator", Description: "evaluate the extracted arithmetic expression"}

	switch action {
	case ActionCalculate:
		return []Step{calcStep, composeStep}
	case ActionSearchProducts:
		return []Step{productStep, composeStep}
	case ActionSearchOutlets:
		return []Step{outletStep, composeStep}
	case ActionHybrid:
		steps := []Step{}
		if s.Calculate >= calcGate {
			steps = append(steps, calcStep)
		}
		if s.Products > 0 {
			steps = append(steps, productStep)
		}
		if s.Outlets > 0 {
			steps = append(steps, outletStep)
		}
		return append(steps, composeStep)
	case ActionClarify:
		return []Step{{Tool: "none", Description: "ask the clarification question"}}
	case ActionAnswerDirectly:
		return []Step{{Tool: "llm", Description: "answer from model knowledge"}}
	}
	return nil
}
