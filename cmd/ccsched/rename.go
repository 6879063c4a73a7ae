package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/client"
)

var renameCmd = &cobra.Command{
	Use:   "rename <task-id> <name>",
	Short: "Rename a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}
		c := client.New(viper.GetString("addr"))
		if err := c.Rename(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("renamed task %d\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(renameCmd)
}
