package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/client"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(viper.GetString("addr"))
		tasks, err := c.List()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "ID\tSTATUS\tNAME\tSUBMITTED")
		for _, t := range tasks {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.ID, t.Status, t.Name, t.SubmittedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
