package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/farant/smaragda-sub003/internal/kernel"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a res's materialized state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		state, err := kernel.Materialize(cmd.Context(), a.st, args[0], kernel.MaterializeOpts{}, nil)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
