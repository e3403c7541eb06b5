package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farant/smaragda-sub003/internal/genus"
)

var createCmd = &cobra.Command{
	Use:   "create <genus> <name>",
	Short: "Create an entity of the given genus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		g, err := resolveGenus(a.reg, args[0])
		if err != nil {
			return err
		}

		var attrs map[string]genus.Value
		if _, ok := g.Attribute("name"); ok {
			attrs = map[string]genus.Value{"name": {Type: genus.AttrText, Raw: args[1]}}
		}

		state, err := a.kernel.CreateEntity(cmd.Context(), g.ID, a.main.ID, "", attrs, "", "local")
		if err != nil {
			return err
		}
		fmt.Println(state.ResID)
		return nil
	},
}
