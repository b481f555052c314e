package risk

import (
	"errors"
	"fmt"

	"github.com/satishbabariya/schemaguard/migrate"
)

// Thresholds map an overall score to a level. A score at or above a
// threshold takes that level.
type Thresholds struct {
	Critical float64 `mapstructure:"critical" json:"critical" yaml:"critical"`
	High     float64 `mapstructure:"high" json:"high" yaml:"high"`
	Medium   float64 `mapstructure:"medium" json:"medium" yaml:"medium"`
}

// Config holds the tunable parameters of the engine. It is read-only once
// handed to an Engine.
type Config struct {
	Thresholds Thresholds
	// Weights scale each category before the overall maximum is taken.
	Weights    map[Category]float64
	BaseScores map[migrate.OperationKind]map[Category]float64

	CascadeMultiplier    float64
	LargeTableMultiplier float64
	ViewIncrement        float64
	TableIncrement       float64
	TriggerIncrement     float64
	ProcedureIncrement   float64
	ForeignKeyIncrement  float64
	IndexIncrement       float64
	CycleIncrement       float64
	RenameIncrement      float64
	ConflictIncrement    float64
	RebuildIncrement     float64
	LargeTableRows       int64
}

// DefaultConfig returns the stock thresholds (80/60/30), unit weights and
// base scores per operation kind.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{Critical: 80, High: 60, Medium: 30},
		Weights: map[Category]float64{
			DataLoss:             1,
			Availability:         1,
			ReferentialIntegrity: 1,
			RollbackDifficulty:   1,
			BlastRadius:          1,
		},
		BaseScores:           defaultBaseScores(),
		CascadeMultiplier:    1.5,
		LargeTableMultiplier: 1.5,
		ViewIncrement:        10,
		TableIncrement:       5,
		TriggerIncrement:     8,
		ProcedureIncrement:   8,
		ForeignKeyIncrement:  20,
		IndexIncrement:       3,
		CycleIncrement:       10,
		RenameIncrement:      15,
		ConflictIncrement:    40,
		RebuildIncrement:     20,
		LargeTableRows:       1_000_000,
	}
}

func defaultBaseScores() map[migrate.OperationKind]map[Category]float64 {
	row := func(dataLoss, availability, integrity, rollback, blast float64) map[Category]float64 {
		return map[Category]float64{
			DataLoss:             dataLoss,
			Availability:         availability,
			ReferentialIntegrity: integrity,
			RollbackDifficulty:   rollback,
			BlastRadius:          blast,
		}
	}
	return map[migrate.OperationKind]map[Category]float64{
		migrate.OpCreateTable:     row(0, 5, 0, 5, 0),
		migrate.OpDropTable:       row(50, 20, 10, 45, 10),
		migrate.OpRenameTable:     row(0, 25, 5, 15, 10),
		migrate.OpAddColumn:       row(0, 15, 0, 5, 0),
		migrate.OpDropColumn:      row(25, 10, 0, 25, 5),
		migrate.OpRenameColumn:    row(0, 20, 0, 15, 5),
		migrate.OpAlterColumnType: row(20, 25, 5, 20, 5),
		migrate.OpAddConstraint:   row(0, 20, 5, 5, 0),
		migrate.OpDropConstraint:  row(5, 5, 25, 10, 5),
		migrate.OpAddIndex:        row(0, 15, 0, 0, 0),
		migrate.OpDropIndex:       row(0, 15, 0, 5, 0),
	}
}

// Validate rejects configurations that would break score ordering.
func (c Config) Validate() error {
	t := c.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return fmt.Errorf("risk thresholds must satisfy 0 < medium < high < critical <= 100, got %.1f/%.1f/%.1f",
			t.Medium, t.High, t.Critical)
	}
	for _, cat := range Categories {
		w, ok := c.Weights[cat]
		if !ok {
			return fmt.Errorf("missing weight for category %s", cat)
		}
		if w < 0 {
			return fmt.Errorf("weight for %s must not be negative", cat)
		}
	}
	if c.CascadeMultiplier < 1 || c.LargeTableMultiplier < 1 {
		return errors.New("multipliers must be at least 1")
	}
	for name, v := range map[string]float64{
		"view":        c.ViewIncrement,
		"table":       c.TableIncrement,
		"trigger":     c.TriggerIncrement,
		"procedure":   c.ProcedureIncrement,
		"foreign key": c.ForeignKeyIncrement,
		"index":       c.IndexIncrement,
		"cycle":       c.CycleIncrement,
		"rename":      c.RenameIncrement,
		"conflict":    c.ConflictIncrement,
		"rebuild":     c.RebuildIncrement,
	} {
		if v < 0 {
			return fmt.Errorf("%s increment must not be negative", name)
		}
	}
	return nil
}

// LevelFor maps a score through the thresholds.
func (c Config) LevelFor(score float64) Level {
	switch {
	case score >= c.Thresholds.Critical:
		return LevelCritical
	case score >= c.Thresholds.High:
		return LevelHigh
	case score >= c.Thresholds.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (c Config) base(kind migrate.OperationKind, cat Category) float64 {
	if row, ok := c.BaseScores[kind]; ok {
		return row[cat]
	}
	return 0
}

func (c Config) weight(cat Category) float64 {
	if w, ok := c.Weights[cat]; ok {
		return w
	}
	return 1
}
