package mitigation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/risk"
)

// DefaultFloor is the category score at or below which no strategy is
// proposed.
const DefaultFloor = 30.0

// Strategy is a ranked, rendered template.
type Strategy struct {
	Category           risk.Category `json:"category"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	EffectivenessScore float64       `json:"effectiveness_score"`
	Steps              []string      `json:"steps"`
	Addresses          []string      `json:"addresses"`
	RequiresStaging    bool          `json:"requires_staging,omitempty"`
}

// Plan is an advisory list of strategies. Nothing in it is executed.
type Plan struct {
	Operation              migrate.OperationKind `json:"operation"`
	OverallLevel           risk.Level            `json:"overall_level"`
	Strategies             []Strategy            `json:"strategies"`
	EstimatedRiskReduction float64               `json:"estimated_risk_reduction"`
	RequiresStaging        bool                  `json:"requires_staging"`
	Advisory               bool                  `json:"advisory"`
}

// IsEmpty reports whether no strategy was selected.
func (p *Plan) IsEmpty() bool { return p == nil || len(p.Strategies) == 0 }

// Names returns the strategy names in rank order.
func (p *Plan) Names() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Strategies))
	for i, s := range p.Strategies {
		out[i] = s.Name
	}
	return out
}

// OperationContext carries what the planner needs to know about the
// environment the operation will run in.
type OperationContext struct {
	Operation migrate.Operation
	// StagingAvailable allows strategies that need a staging environment.
	StagingAvailable bool
	// MaintenanceWindow allows strategies that need downtime.
	MaintenanceWindow bool
}

// Planner selects strategies from a catalog.
type Planner struct {
	catalog      Catalog
	floor        float64
	stagingLevel risk.Level
	logger       *zap.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithFloor sets the category score floor.
func WithFloor(floor float64) PlannerOption {
	return func(p *Planner) { p.floor = floor }
}

// WithStagingLevel sets the overall level from which staging is required.
func WithStagingLevel(l risk.Level) PlannerOption {
	return func(p *Planner) { p.stagingLevel = l }
}

// WithLogger sets the planner logger.
func WithLogger(l *zap.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner creates a planner over catalog.
func NewPlanner(catalog Catalog, opts ...PlannerOption) *Planner {
	p := &Planner{
		catalog:      catalog,
		floor:        DefaultFloor,
		stagingLevel: risk.LevelHigh,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("mitigation")
	return p
}

// Plan selects, scores and ranks strategies for every category whose score
// is above the floor. A plan with no strategies is a valid result.
func (p *Planner) Plan(a *risk.Assessment, octx OperationContext) *Plan {
	plan := &Plan{
		Operation:       a.Operation,
		OverallLevel:    a.OverallLevel,
		Strategies:      []Strategy{},
		RequiresStaging: a.OverallLevel.AtLeast(p.stagingLevel),
		Advisory:        true,
	}
	replacer := placeholders(octx.Operation, a)

	byName := make(map[string]int)
	var weighted, total float64

	for _, cat := range risk.Categories {
		cs := a.CategoryScores[cat]
		if cs == nil || cs.Score <= p.floor {
			continue
		}
		codes := a.FactorCodes(cat)
		if cs.Base > 0 {
			codes = append(codes, CoversOperation)
		}

		best := 0.0
		for _, t := range p.catalog.Lookup(cat, a.Operation) {
			if t.RequiresStaging && !octx.StagingAvailable {
				continue
			}
			if t.NeedsDowntime && !octx.MaintenanceWindow {
				continue
			}
			addressed := intersect(t.Covers, codes)
			if len(addressed) == 0 {
				continue
			}
			coverage := float64(len(addressed)) / float64(len(codes))
			eff := round2(t.BaseEffectiveness * (0.5 + 0.5*coverage))
			best = math.Max(best, eff)

			s := Strategy{
				Category:           cat,
				Name:               t.Name,
				Description:        t.Description,
				EffectivenessScore: eff,
				Steps:              render(replacer, t.Steps),
				Addresses:          addressed,
				RequiresStaging:    t.RequiresStaging,
			}
			if i, seen := byName[t.Name]; seen {
				if eff > plan.Strategies[i].EffectivenessScore {
					plan.Strategies[i] = s
				}
				continue
			}
			byName[t.Name] = len(plan.Strategies)
			plan.Strategies = append(plan.Strategies, s)
		}
		weighted += cs.Score * best
		total += cs.Score
	}

	sort.SliceStable(plan.Strategies, func(i, j int) bool {
		si, sj := plan.Strategies[i], plan.Strategies[j]
		if si.EffectivenessScore != sj.EffectivenessScore {
			return si.EffectivenessScore > sj.EffectivenessScore
		}
		return si.Name < sj.Name
	})
	if total > 0 {
		plan.EstimatedRiskReduction = math.Round(weighted/total*1000) / 10
	}

	p.logger.Debug("mitigation planned",
		zap.String("operation", string(a.Operation)),
		zap.Int("strategies", len(plan.Strategies)),
		zap.Float64("reduction", plan.EstimatedRiskReduction),
		zap.Bool("requires_staging", plan.RequiresStaging),
	)
	return plan
}

// Markdown renders the plan for terminal display.
func (p *Plan) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Mitigation plan (%s)\n\n", p.OverallLevel)
	if p.IsEmpty() {
		b.WriteString("No mitigation needed.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Estimated risk reduction: **%.1f%%**", p.EstimatedRiskReduction)
	if p.RequiresStaging {
		b.WriteString(", staging dry run **required**")
	}
	b.WriteString("\n\n")
	for i, s := range p.Strategies {
		fmt.Fprintf(&b, "## %d. %s (%s, %.0f%%)\n\n%s\n\n", i+1, s.Name, s.Category, s.EffectivenessScore*100, s.Description)
		for _, step := range s.Steps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func placeholders(op migrate.Operation, a *risk.Assessment) *strings.Replacer {
	target := op.Target
	if target.Name == "" {
		target = a.Target
	}
	return strings.NewReplacer(
		"{target}", target.QualifiedName(),
		"{table}", target.TableName(),
		"{new_name}", op.NewName,
	)
}

func render(r *strings.Replacer, steps []string) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = r.Replace(s)
	}
	return out
}

func intersect(covers, codes []string) []string {
	var out []string
	for _, c := range covers {
		for _, code := range codes {
			if c == code {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
