package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull then push against the configured sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		client, err := a.syncClient()
		if err != nil {
			return err
		}
		pull, push, err := client.Sync(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("pull: accepted=%d hwm=%d\n", pull.Accepted, pull.HighWaterMark)
		fmt.Printf("push: accepted=%d hwm=%d\n", push.Accepted, push.HighWaterMark)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull new tessellae from the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		client, err := a.syncClient()
		if err != nil {
			return err
		}
		res, err := client.Pull(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("accepted=%d hwm=%d\n", res.Accepted, res.HighWaterMark)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push unpushed local tessellae to the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		client, err := a.syncClient()
		if err != nil {
			return err
		}
		res, err := client.Push(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("accepted=%d hwm=%d\n", res.Accepted, res.HighWaterMark)
		return nil
	},
}
