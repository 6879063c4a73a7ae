package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/client"
)

var editCmd = &cobra.Command{
	Use:   "edit <task-id> <prompt>",
	Short: "Edit a task's prompt, resetting Done/Failed tasks to Pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}
		c := client.New(viper.GetString("addr"))
		if err := c.Edit(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("updated task %d\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(editCmd)
}
