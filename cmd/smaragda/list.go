package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farant/smaragda-sub003/internal/query"
)

var listCmd = &cobra.Command{
	Use:   "list [genus]",
	Short: "List entities, optionally filtered to one genus",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		opts := query.ListOpts{BranchID: a.main.ID, Compact: true}
		if len(args) == 1 {
			g, err := resolveGenus(a.reg, args[0])
			if err != nil {
				return err
			}
			opts.GenusID = g.ID
		}

		items, err := a.query.ListEntities(cmd.Context(), opts)
		if err != nil {
			return err
		}
		for _, item := range items {
			fmt.Printf("%s\t%s\t%s\t%s\n", item.Compact.ID, item.Compact.Genus, item.Compact.Status, item.Compact.Name)
		}
		return nil
	},
}
