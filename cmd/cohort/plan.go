package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compile the criteria and print the query plan without executing",
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

		fmt.Printf("plan %s v%d for study %s\n\n", plan.PlanID, plan.Version, plan.StudyID)
		color.Cyan("-- anchor")
		fmt.Println(plan.AnchorSQL)
		for _, f := range plan.Fragments {
			color.Cyan("\n-- %s (%s, %s)", f.Name, f.PredicateID, f.Polarity)
			if f.Description != "" {
				fmt.Printf("-- %s\n", f.Description)
			}
			fmt.Println(f.SQL)
		}
		color.Cyan("\n-- cohort")
		fmt.Println(plan.CohortSQL)
		color.Cyan("\n-- funnel")
		fmt.Println(plan.FunnelSQL)
		return nil
	},
}
