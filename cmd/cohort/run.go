package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: resolve, compile, execute, funnel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, err := loadCriteria(criteriaPath)
		if err != nil {
			return err
		}

		eng, err := buildEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.close()

		session := eng.sessions.NewSession()
		if err := eng.sessions.SubmitCriteria(ctx, session.ID, doc.StudyID, doc.Anchor, doc.Predicates); err != nil {
			return err
		}
		if err := eng.sessions.ResolveConcepts(ctx, session.ID); err != nil {
			return err
		}
		plan, err := eng.sessions.Compile(ctx, session.ID)
		if err != nil {
			return err
		}
		fmt.Printf("compiled plan %s v%d with %d fragments\n", plan.PlanID, plan.Version, len(plan.Fragments))

		mode := entities.ModeCount
		if previewMode {
			mode = entities.ModePreview
		}
		result, err := eng.sessions.Execute(ctx, session.ID, mode)
		if err != nil {
			return err
		}
		if result.Status != entities.ExecutionOK {
			color.Red("execution failed after repair attempts: %s (%s)", result.Error, result.ErrorKind)
			printBundle(eng, session.ID)
			return fmt.Errorf("cohort execution failed")
		}
		fmt.Printf("cohort size: %d (%.2fs)\n", result.RowCount, result.Timing.Seconds())

		steps, warnings, err := eng.sessions.ComputeFunnel(ctx, session.ID)
		if err != nil {
			return err
		}
		renderFunnel(steps)
		renderWarnings(warnings)
		printBundle(eng, session.ID)

		if previewMode && len(result.PreviewRows) > 0 {
			fmt.Printf("\npreview (%d rows):\n", len(result.PreviewRows))
			for _, row := range result.PreviewRows {
				fmt.Printf("  %v\n", row)
			}
		}

		if approve {
			bundle, err := eng.sessions.Finalize(ctx, session.ID, "approve")
			if err != nil {
				return err
			}
			color.Green("session finalized: study %s, cohort %d", bundle.Criteria.StudyID, result.RowCount)
		}
		return nil
	},
}

func renderFunnel(steps []entities.FunnelStep) {
	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"Step", "Predicate", "Count", "% of base"})
	for _, s := range steps {
		table.Append([]string{
			s.Label,
			s.PredicateID,
			strconv.FormatInt(s.Count, 10),
			fmt.Sprintf("%.1f%%", s.PercentOfBase),
		})
	}
	table.Render()
}

func renderWarnings(warnings []entities.FunnelWarning) {
	for _, w := range warnings {
		color.Yellow("warning [%s] %s: %s", w.Kind, w.StepLabel, w.Detail)
	}
}

func printBundle(eng *engine, sessionID string) {
	bundle, err := eng.sessions.Bundle(sessionID)
	if err != nil {
		return
	}
	if bundle.Criteria != nil && len(bundle.Criteria.Gaps) > 0 {
		fmt.Println("\ngaps requiring attention:")
		for _, g := range bundle.Criteria.Gaps {
			color.Yellow("  %s: %s", g.PredicateID, g.Issue)
		}
	}
	for _, attempt := range bundle.RepairLog {
		color.Cyan("repair #%d (%s): demoted=%s", attempt.Attempt, attempt.ErrorKind, attempt.DemotedID)
		for _, line := range attempt.Diff {
			fmt.Printf("    %s\n", line)
		}
	}
}
