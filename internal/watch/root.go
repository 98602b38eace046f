// Package watch implements the realtime-watch command: a terminal client that
// connects to the gateway, mounts the posts, groups and unread hooks and
// prints their reconciled state on every change.
package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zfogg/sidechain/realtime/pkg/config"
	"github.com/zfogg/sidechain/realtime/pkg/logger"
)

var (
	verbose    bool
	configPath string
	token      string
	userID     string
	jsonOut    bool
	postLimit  int
	showLimit  int
	groupID    string
	waitAfter  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "realtime-watch",
	Short: "Watch the Sidechain realtime feed",
	Long: `realtime-watch connects to a Sidechain realtime gateway, loads the
posts, groups and unread-count baselines over REST and prints the
reconciled state every time an event changes it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, printer, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Start(ctx); err != nil {
			s.Stop()
			return err
		}
		printer.Info("watching, press Ctrl-C to stop")
		<-ctx.Done()
		s.Stop()
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Create a post optimistically and watch it reconcile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, printer, err := setup()
		if err != nil {
			return err
		}
		defer s.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := s.Start(ctx); err != nil {
			return err
		}
		post, err := s.CreatePost(ctx, args[0], groupID)
		if err != nil {
			color.New(color.FgRed).Fprintf(os.Stderr, "Error: post failed, rolled back: %v\n", err)
			return err
		}
		printer.Info("created %s", post.ID)

		// give the created event a chance to arrive
		select {
		case <-ctx.Done():
		case <-time.After(waitAfter):
		}
		return nil
	},
}

func setup() (*Session, *Printer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if token != "" {
		cfg.Auth.Token = token
	}
	if userID != "" {
		cfg.Auth.UserID = userID
	}

	logger.Init(verbose, cfg.Log.File)
	if cfg.File != "" {
		logger.Debug("Loaded config", "file", cfg.File)
	}

	printer := NewPrinter(color.Output, jsonOut, showLimit)
	s, err := NewSession(cfg, printer, postLimit)
	if err != nil {
		return nil, nil, err
	}
	return s, printer, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/sidechain/realtime/config.toml)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT access token (overrides auth.token)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "User id for visibility and unread count (overrides auth.user_id)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print state changes as JSON lines")
	rootCmd.PersistentFlags().IntVar(&postLimit, "posts", 50, "Number of posts to load")
	rootCmd.PersistentFlags().IntVar(&showLimit, "show", 10, "Items shown per collection (0 for all)")

	postCmd.Flags().StringVar(&groupID, "group", "", "Post into a group")
	postCmd.Flags().DurationVar(&waitAfter, "wait", 2*time.Second, "How long to keep watching after the post is created")

	rootCmd.AddCommand(postCmd)
}
