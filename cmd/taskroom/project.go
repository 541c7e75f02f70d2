package main

import (
	"fmt"

	"github.com/spf13/cobra"

	taskroom "github.com/TaskRoom-App/TaskRoom/sdk/golang"
)

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectAddCmd)

	projectAddCmd.Flags().String("desc", "", "project description")
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := client.Projects().List(ctx)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		var projects []taskroom.Project
		if err := res.Decode(&projects); err != nil {
			return err
		}

		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("#%-4d %s\n", p.ID, p.Name)
		}
		return nil
	},
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := cmdContext()
		defer cancel()

		desc, _ := cmd.Flags().GetString("desc")
		res, err := client.Projects().Create(ctx, &taskroom.NewProjectInput{
			Name:        args[0],
			Description: desc,
		})
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		var p taskroom.Project
		if err := res.Decode(&p); err != nil {
			return err
		}
		fmt.Printf("Created project #%d: %s\n", p.ID, p.Name)
		return nil
	},
}
