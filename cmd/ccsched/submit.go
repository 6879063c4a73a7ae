package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/client"
)

var submitCmd = &cobra.Command{
	Use:   "submit <name> <prompt>",
	Short: "Submit a new task to the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, _ := cmd.Flags().GetString("cwd")
		if cwd == "" {
			var err error
			cwd, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		deps, _ := cmd.Flags().GetInt64Slice("depends-on")

		c := client.New(viper.GetString("addr"))
		id, err := c.Submit(args[0], args[1], cwd, deps)
		if err != nil {
			return err
		}
		fmt.Printf("submitted task %d\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("cwd", "", "working directory for the agent (default: current directory)")
	submitCmd.Flags().Int64Slice("depends-on", nil, "task ids that must be Done before this task is scheduled")
}
