package risk

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/migrate"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Engine scores operations. It holds no mutable state, so one engine can be
// shared by concurrent callers.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.Named("risk")}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Assess scores op using the analyzer report. A nil report scores the
// operation kind alone. The result depends only on its inputs.
func (e *Engine) Assess(op migrate.Operation, report *dependency.Report) *Assessment {
	a := &Assessment{
		Operation:      op.Kind,
		Target:         op.Target,
		CategoryScores: make(map[Category]*CategoryScore, len(Categories)),
	}
	for _, cat := range Categories {
		a.CategoryScores[cat] = &CategoryScore{Base: e.cfg.base(op.Kind, cat), Factors: []Factor{}}
	}

	if report != nil {
		caps := DetectCapabilities(report.Provider, report.ServerVersion)
		a.Capabilities = &caps
		impact := report.Combined()
		e.applyCapabilities(a, op, caps, impact != nil && len(impact.AffectedObjects) > 0)
		e.applyImpact(a, op, impact)
		e.applyForeignKeys(a, op, report.ForeignKeys)
		e.applyRename(a, report.Rename)
	}
	e.applyVolume(a, op)

	e.recompute(a)
	e.logger.Debug("risk assessed",
		zap.String("operation", op.Name()),
		zap.String("level", a.OverallLevel.String()),
		zap.Float64("score", a.OverallScore),
		zap.String("dominant", string(a.DominantCategory)),
	)
	return a
}

// AddFactor returns a rescored copy of a with f added to category. The
// overall score of the copy is never lower than the original's.
func (e *Engine) AddFactor(a *Assessment, category Category, f Factor) *Assessment {
	out := a.Clone()
	cs, ok := out.CategoryScores[category]
	if !ok {
		cs = &CategoryScore{Base: e.cfg.base(a.Operation, category), Factors: []Factor{}}
		out.CategoryScores[category] = cs
	}
	cs.Factors = append(cs.Factors, f)
	e.recompute(out)
	return out
}

// LevelFor maps a score through the configured thresholds.
func (e *Engine) LevelFor(score float64) Level { return e.cfg.LevelFor(score) }

func (e *Engine) recompute(a *Assessment) {
	a.OverallScore = 0
	a.DominantCategory = ""
	for _, cat := range Categories {
		cs := a.CategoryScores[cat]
		if cs == nil {
			continue
		}
		total := cs.Base
		mult := 1.0
		for _, f := range cs.Factors {
			if f.ImpactScore > 0 {
				total += f.ImpactScore
			}
			if f.Multiplier > 1 {
				mult *= f.Multiplier
			}
		}
		cs.Score = round(clamp(total * mult))
		cs.Level = e.cfg.LevelFor(cs.Score)

		weighted := round(clamp(cs.Score * e.cfg.weight(cat)))
		if a.DominantCategory == "" || weighted > a.OverallScore {
			a.OverallScore = weighted
			a.DominantCategory = cat
		}
	}
	a.OverallLevel = e.cfg.LevelFor(a.OverallScore)
}

func (a *Assessment) add(cat Category, f Factor) {
	cs := a.CategoryScores[cat]
	cs.Factors = append(cs.Factors, f)
}

// applyCapabilities records provider limitations. They only add to the
// score when something depends on the target; a change nothing else sees
// stays at its base score whatever the server.
func (e *Engine) applyCapabilities(a *Assessment, op migrate.Operation, caps Capabilities, hasDependents bool) {
	if caps.Provider == "" {
		return
	}
	increment := 0.0
	if hasDependents {
		increment = e.cfg.RebuildIncrement
	}
	lower := func(cat Category, by float64) {
		cs := a.CategoryScores[cat]
		cs.Base = clamp(cs.Base - by)
	}

	if op.Kind == migrate.OpAddColumn && caps.FastAddColumn {
		lower(Availability, 10)
	}
	if caps.TransactionalDDL {
		lower(RollbackDifficulty, 10)
	} else {
		a.add(RollbackDifficulty, Factor{
			Code:        FactorNonTransactionalDDL,
			Description: "DDL cannot be rolled back by the transaction",
			ImpactScore: increment,
			Evidence:    caps.Provider,
		})
	}

	rebuild := (op.Kind == migrate.OpDropColumn && !caps.NativeDropColumn) ||
		(op.Kind == migrate.OpAlterColumnType && caps.Provider == introspect.ProviderSQLite)
	if rebuild {
		a.add(Availability, Factor{
			Code:        FactorTableRebuild,
			Description: "the table must be rebuilt to apply this change",
			ImpactScore: increment,
			Evidence:    fmt.Sprintf("%s %s", caps.Provider, caps.ServerVersion),
		})
		a.add(RollbackDifficulty, Factor{
			Code:        FactorTableRebuild,
			Description: "undoing a rebuild needs a second rebuild",
			ImpactScore: increment / 2,
			Evidence:    op.Target.TableName(),
		})
	}
}

func (e *Engine) applyImpact(a *Assessment, op migrate.Operation, impact *dependency.ImpactReport) {
	if impact == nil {
		return
	}
	breaking := op.Kind.IsDestructive() || op.Kind.IsRename()

	for _, obj := range impact.AffectedObjects {
		name := obj.QualifiedName()
		switch obj.Kind {
		case migrate.KindView:
			a.add(BlastRadius, Factor{Code: FactorDependentView, Description: "view depends on the target",
				ImpactScore: e.cfg.ViewIncrement, Evidence: name})
			if breaking {
				a.add(Availability, Factor{Code: FactorDependentView, Description: "view stops resolving after the change",
					ImpactScore: e.cfg.ViewIncrement / 2, Evidence: name})
			}
		case migrate.KindTable:
			a.add(BlastRadius, Factor{Code: FactorDependentTable, Description: "table references the target",
				ImpactScore: e.cfg.TableIncrement, Evidence: name})
		case migrate.KindTrigger:
			a.add(BlastRadius, Factor{Code: FactorTrigger, Description: "trigger fires on or writes to the target",
				ImpactScore: e.cfg.TriggerIncrement, Evidence: name})
		case migrate.KindProcedure:
			a.add(BlastRadius, Factor{Code: FactorProcedure, Description: "stored routine mentions the target",
				ImpactScore: e.cfg.ProcedureIncrement, Evidence: name})
			if breaking {
				a.add(Availability, Factor{Code: FactorProcedure, Description: "routine fails at call time after the change",
					ImpactScore: e.cfg.ProcedureIncrement, Evidence: name})
			}
		case migrate.KindIndex:
			a.add(BlastRadius, Factor{Code: FactorIndex, Description: "index covers the target",
				ImpactScore: e.cfg.IndexIncrement, Evidence: name})
			if breaking {
				a.add(Availability, Factor{Code: FactorIndex, Description: "queries lose the index",
					ImpactScore: e.cfg.IndexIncrement, Evidence: name})
			}
		case migrate.KindConstraint:
			a.add(ReferentialIntegrity, Factor{Code: FactorForeignKey, Description: "constraint is declared on the target",
				ImpactScore: e.cfg.ForeignKeyIncrement / 2, Evidence: name})
		}
	}

	for i := 0; i < impact.ForeignKeyCount; i++ {
		a.add(ReferentialIntegrity, Factor{
			Code:        FactorForeignKey,
			Description: "foreign key dependency",
			ImpactScore: e.cfg.ForeignKeyIncrement,
			Evidence:    fmt.Sprintf("%s (%d of %d)", impact.Target.QualifiedName(), i+1, impact.ForeignKeyCount),
		})
	}
	for i := 0; i < impact.CascadeCount; i++ {
		a.add(ReferentialIntegrity, Factor{
			Code:        FactorCascade,
			Description: "foreign key cascades changes to child rows",
			Multiplier:  e.cfg.CascadeMultiplier,
			Evidence:    fmt.Sprintf("%s (%d of %d)", impact.Target.QualifiedName(), i+1, impact.CascadeCount),
		})
	}
	for _, cycle := range impact.Cycles {
		a.add(ReferentialIntegrity, Factor{
			Code:        FactorCycle,
			Description: "dependency cycle",
			ImpactScore: e.cfg.CycleIncrement,
			Evidence:    fmt.Sprint(cycle),
		})
	}
}

func (e *Engine) applyForeignKeys(a *Assessment, op migrate.Operation, fk *dependency.ForeignKeyReport) {
	if fk == nil || !op.Kind.IsDestructive() {
		return
	}
	for _, ref := range fk.Inbound {
		a.add(ReferentialIntegrity, Factor{
			Code:        FactorInboundForeignKey,
			Description: "inbound foreign key loses its parent",
			ImpactScore: e.cfg.ForeignKeyIncrement,
			Evidence:    ref.String(),
		})
	}
	for _, child := range fk.OrphanRisk {
		a.add(DataLoss, Factor{
			Code:        FactorOrphanRisk,
			Description: "child rows would be orphaned",
			ImpactScore: e.cfg.ForeignKeyIncrement,
			Evidence:    child,
		})
	}
}

func (e *Engine) applyRename(a *Assessment, r *dependency.RenameReport) {
	if r == nil {
		return
	}
	for _, ref := range r.References {
		if ref.FollowsRename {
			continue
		}
		a.add(Availability, Factor{
			Code:        FactorRenameReference,
			Description: "definition still uses the old name",
			ImpactScore: e.cfg.RenameIncrement,
			Evidence:    ref.Object.QualifiedName(),
		})
	}
	if r.Conflict {
		a.add(Availability, Factor{
			Code:        FactorNameConflict,
			Description: "new name is already taken",
			ImpactScore: e.cfg.ConflictIncrement,
			Evidence:    r.ConflictWith,
		})
	}
}

func (e *Engine) applyVolume(a *Assessment, op migrate.Operation) {
	if e.cfg.LargeTableRows <= 0 || op.EstimatedRows < e.cfg.LargeTableRows {
		return
	}
	evidence := fmt.Sprintf("%d estimated rows", op.EstimatedRows)
	a.add(Availability, Factor{Code: FactorLargeTable, Description: "large table extends lock duration",
		Multiplier: e.cfg.LargeTableMultiplier, Evidence: evidence})
	a.add(RollbackDifficulty, Factor{Code: FactorLargeTable, Description: "large table slows any undo",
		Multiplier: e.cfg.LargeTableMultiplier, Evidence: evidence})
}
