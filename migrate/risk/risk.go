// Package risk scores a migration operation across five categories and
// folds the category scores into one overall level.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/satishbabariya/schemaguard/migrate"
)

// Level is an ordered risk level.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name, ignoring case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Level(i), nil
		}
	}
	return LevelLow, fmt.Errorf("unknown risk level %q", s)
}

// Compare returns -1, 0 or 1.
func (l Level) Compare(other Level) int {
	switch {
	case l < other:
		return -1
	case l > other:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is other or worse.
func (l Level) AtLeast(other Level) bool { return l >= other }

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Category is a dimension of risk.
type Category string

const (
	DataLoss             Category = "data_loss"
	Availability         Category = "availability"
	ReferentialIntegrity Category = "referential_integrity"
	RollbackDifficulty   Category = "rollback_difficulty"
	BlastRadius          Category = "blast_radius"
)

// Categories lists every category in reporting order.
var Categories = []Category{DataLoss, Availability, ReferentialIntegrity, RollbackDifficulty, BlastRadius}

// Factor codes emitted by the engine. Mitigation templates declare which of
// these they cover.
const (
	FactorDependentView       = "dependent_view"
	FactorDependentTable      = "dependent_table"
	FactorForeignKey          = "foreign_key"
	FactorInboundForeignKey   = "inbound_foreign_key"
	FactorCascade             = "cascade"
	FactorTrigger             = "trigger"
	FactorProcedure           = "procedure"
	FactorIndex               = "index"
	FactorCycle               = "dependency_cycle"
	FactorOrphanRisk          = "orphan_risk"
	FactorRenameReference     = "rename_reference"
	FactorNameConflict        = "name_conflict"
	FactorLargeTable          = "large_table"
	FactorTableRebuild        = "table_rebuild"
	FactorNonTransactionalDDL = "non_transactional_ddl"
	FactorStagingFailure      = "staging_failure"
)

// Factor is one piece of evidence raising a category score. ImpactScore is
// added to the category; a Multiplier above 1 scales it.
type Factor struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	ImpactScore float64 `json:"impact_score"`
	Evidence    string  `json:"evidence,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
}

// CategoryScore is the scored state of one category.
type CategoryScore struct {
	Level   Level    `json:"level"`
	Score   float64  `json:"score"`
	Base    float64  `json:"base"`
	Factors []Factor `json:"factors"`
}

// Assessment is the full risk picture for one operation.
type Assessment struct {
	Operation        migrate.OperationKind       `json:"operation"`
	Target           migrate.SchemaObject        `json:"target"`
	OverallLevel     Level                       `json:"overall_level"`
	OverallScore     float64                     `json:"overall_score"`
	DominantCategory Category                    `json:"dominant_category"`
	CategoryScores   map[Category]*CategoryScore `json:"category_scores"`
	Capabilities     *Capabilities               `json:"capabilities,omitempty"`
}

// FactorCodes returns the distinct factor codes recorded for category.
func (a *Assessment) FactorCodes(category Category) []string {
	cs := a.CategoryScores[category]
	if cs == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range cs.Factors {
		if !seen[f.Code] {
			seen[f.Code] = true
			out = append(out, f.Code)
		}
	}
	return out
}

// Clone returns a deep copy.
func (a *Assessment) Clone() *Assessment {
	out := *a
	out.CategoryScores = make(map[Category]*CategoryScore, len(a.CategoryScores))
	for c, cs := range a.CategoryScores {
		cp := *cs
		cp.Factors = append([]Factor(nil), cs.Factors...)
		out.CategoryScores[c] = &cp
	}
	if a.Capabilities != nil {
		caps := *a.Capabilities
		out.Capabilities = &caps
	}
	return &out
}

// Summary renders a one-line description.
func (a *Assessment) Summary() string {
	return fmt.Sprintf("%s %s: %s (%.1f, dominated by %s)",
		a.Operation, a.Target.QualifiedName(), a.OverallLevel, a.OverallScore, a.DominantCategory)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}
