package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	taskroom "github.com/TaskRoom-App/TaskRoom/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("verbose", false, "log connection internals")
	watchCmd.Flags().Bool("no-fallback", false, "disable the HTTP streaming fallback")
}

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Watch a project room for live task activity",
	Long:  "Connects to the realtime channel, joins the project room, and prints\ntask activity from other sessions until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("not logged in; run 'taskroom login' first")
		}

		client := getClient()

		rtCfg := &taskroom.RealtimeConfig{}
		if noFallback, _ := cmd.Flags().GetBool("no-fallback"); noFallback {
			rtCfg.DisableFallback = true
		}
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()
			rtCfg.Logger = logger
		}

		session := client.NewSession(cfg.Auth.Token, rtCfg)
		defer session.Close()

		session.OnTaskCreated(func(p taskroom.TaskCreatedPayload) {
			fmt.Printf("+ #%d %s (by %s)\n", p.Task.ID, p.Task.Title, p.CreatedBy)
		})
		session.OnTaskUpdated(func(p taskroom.TaskUpdatedPayload) {
			mark := "open"
			if p.Task.Completed {
				mark = "done"
			}
			fmt.Printf("~ #%d %s [%s]\n", p.Task.ID, p.Task.Title, mark)
		})
		session.OnTaskDeleted(func(p taskroom.TaskDeletedPayload) {
			fmt.Printf("- #%d %s (by %s)\n", p.TaskID, p.TaskTitle, p.DeletedBy)
		})
		session.OnUserJoined(func(p taskroom.UserJoinedPayload) {
			fmt.Printf("* %s joined\n", p.User.Username)
		})
		session.OnUserLeft(func(p taskroom.UserLeftPayload) {
			fmt.Printf("* %s left\n", p.User.Username)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := session.Connect(ctx); err != nil {
			cancel()
			return err
		}
		cancel()

		if session.ConnectionState() != taskroom.StateConnected {
			return fmt.Errorf("could not connect: %s", session.LastError())
		}

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		err = session.JoinProjectID(ctx, args[0])
		cancel()
		if err != nil {
			return fmt.Errorf("join project: %w", err)
		}

		// Membership is confirmed asynchronously by the server.
		deadline := time.Now().Add(10 * time.Second)
		for session.CurrentRoom() == nil && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if room := session.CurrentRoom(); room != nil {
			fmt.Printf("Watching %s (#%d). Ctrl-C to stop.\n", room.ProjectName, room.ProjectID)
		} else {
			fmt.Println("Join not confirmed yet; watching anyway. Ctrl-C to stop.")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopping.")
		return nil
	},
}
