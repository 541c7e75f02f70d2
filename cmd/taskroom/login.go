package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	taskroom "github.com/TaskRoom-App/TaskRoom/sdk/golang"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	loginCmd.Flags().String("email", "", "account email (prompted if omitted)")
	loginCmd.Flags().String("password", "", "account password (prompted if omitted)")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		reader := bufio.NewReader(os.Stdin)
		if email == "" {
			fmt.Print("Email: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("cannot read email: %w", err)
			}
			email = strings.TrimSpace(line)
		}
		if password == "" {
			fmt.Print("Password: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("cannot read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		client := getAnonClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Auth().Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		var data taskroom.LoginData
		if err := res.Decode(&data); err != nil {
			return fmt.Errorf("unexpected login response: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = data.Token
		cfg.Auth.UserID = strconv.Itoa(data.User.ID)
		cfg.Auth.Username = data.User.Username
		if info, err := taskroom.ParseToken(data.Token); err == nil && !info.ExpiresAt.IsZero() {
			cfg.Auth.TokenExpires = info.ExpiresAt.Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s\n", data.User.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Auth().Me(ctx)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		var user taskroom.User
		if err := res.Decode(&user); err != nil {
			return err
		}
		fmt.Printf("%s (id %d)\n", user.Username, user.ID)
		return nil
	},
}
