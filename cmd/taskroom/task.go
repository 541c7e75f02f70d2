package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	taskroom "github.com/TaskRoom-App/TaskRoom/sdk/golang"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskRmCmd)

	taskListCmd.Flags().Int("project", 0, "filter by project id")
	taskListCmd.Flags().Bool("completed", false, "show only completed tasks")
	taskListCmd.Flags().Bool("open", false, "show only open tasks")

	taskAddCmd.Flags().String("desc", "", "task description")
	taskAddCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	taskAddCmd.Flags().Int("project", 0, "project id")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		opts := &taskroom.TaskListOptions{}
		if id, _ := cmd.Flags().GetInt("project"); id > 0 {
			opts.ProjectID = &id
		}
		if done, _ := cmd.Flags().GetBool("completed"); done {
			t := true
			opts.Completed = &t
		} else if open, _ := cmd.Flags().GetBool("open"); open {
			f := false
			opts.Completed = &f
		}

		res, err := client.Tasks().List(ctx, opts)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		var tasks []taskroom.Task
		if err := res.Decode(&tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, t := range tasks {
			mark := " "
			if t.Completed {
				mark = "x"
			}
			fmt.Printf("[%s] #%-4d %s (due %s)\n", mark, t.ID, t.Title, t.DueDate)
		}
		return nil
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		desc, _ := cmd.Flags().GetString("desc")
		due, _ := cmd.Flags().GetString("due")
		input := &taskroom.NewTaskInput{
			Title:       args[0],
			Description: desc,
			DueDate:     due,
		}
		if id, _ := cmd.Flags().GetInt("project"); id > 0 {
			input.ProjectID = &id
		}

		res, err := client.Tasks().Create(ctx, input)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		var t taskroom.Task
		if err := res.Decode(&t); err != nil {
			return err
		}
		fmt.Printf("Created task #%d: %s\n", t.ID, t.Title)
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("task id must be numeric: %q", args[0])
		}

		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		done := true
		res, err := client.Tasks().Update(ctx, id, &taskroom.TaskPatch{Completed: &done})
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		fmt.Printf("Task #%d completed.\n", id)
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("task id must be numeric: %q", args[0])
		}

		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := client.Tasks().Delete(ctx, id)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		fmt.Printf("Task #%d deleted.\n", id)
		return nil
	},
}
