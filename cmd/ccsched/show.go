package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/client"
)

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task's prompt, status and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}

		c := client.New(viper.GetString("addr"))
		task, err := c.Get(id)
		if err != nil {
			return err
		}
		fmt.Printf("id:        %d\n", task.ID)
		fmt.Printf("name:      %s\n", task.Name)
		fmt.Printf("status:    %s\n", task.Status)
		fmt.Printf("submitted: %s\n", task.SubmittedAt)
		if task.SessionID != nil {
			fmt.Printf("session:   %s\n", *task.SessionID)
		}
		if task.Result != nil {
			fmt.Printf("result:    %s\n", *task.Result)
		}
		fmt.Printf("prompt:\n%s\n", task.Prompt)

		follow, _ := cmd.Flags().GetBool("follow")
		if follow {
			return followLog(cmd.Context(), fmt.Sprintf("task_%d.jsonl", id))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().Bool("follow", false, "tail the task's raw agent output as it runs")
}

// followLog tails path the way `tail -f` would: it prints whatever is
// already there, then streams appended lines as the watcher's
// Write events fire, exiting on ctrl-c.
func followLog(ctx interface{ Done() <-chan struct{} }, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					fmt.Print(line)
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
