package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/akinalp/qrattend/config"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/services"
	"github.com/akinalp/qrattend/viewer"
)

// globalOptions are the persistent flags shared by every command. Empty or
// unset values fall back to LOG_LEVEL and LOG_PRETTY.
type globalOptions struct {
	logLevel string
	pretty   bool
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand serves, so `qrattend` and `qrattend serve` are the same.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "qrattend",
		Short:         "Rotating QR attendance server",
		Long:          "qrattend runs attendance sessions whose QR token rotates, records student scans and pushes live rosters to instructors.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human readable logs; overrides LOG_PRETTY")

	root.AddCommand(newServeCmd(opts), newTokenCmd(opts), newWatchCmd(opts))
	return root
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
}

func serve(cmd *cobra.Command, opts *globalOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	return run(cmd.Context(), cfg)
}

// newTokenCmd prints a bearer token signed with JWT_SECRET for local testing.
func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		email string
		role  string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for local testing",
		Example: `  qrattend token --email prof@uni.edu --role instructor
  qrattend token --email a@uni.edu --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := models.Role(strings.ToLower(role))
			if r != models.RoleInstructor && r != models.RoleStudent {
				return fmt.Errorf("invalid --role %q: want instructor or student", role)
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			token, err := services.NewAuthService(cfg.JWT.Secret).IssueAccessToken(models.Principal{
				UserID: email,
				Email:  email,
				Role:   r,
			}, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", string(models.RoleStudent), "instructor or student")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// newWatchCmd follows one session from the terminal the way a dashboard
// does and logs every state change. It needs no server configuration.
func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		baseURL   string
		sessionID string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a session's roster and token live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token or QRATTEND_TOKEN is required")
			}

			logger.Setup(opts.level("info"), opts.pretty)
			l := logger.Component("watch")

			v := viewer.New(viewer.Config{BaseURL: baseURL, Token: token, SessionID: sessionID})
			v.OnChange(func(s viewer.State) {
				l.Info().
					Bool("connected", s.Connected).
					Bool("ended", s.Ended).
					Int("revision", s.Roster.Revision).
					Int("present", s.Roster.Present).
					Int("absent", s.Roster.Absent).
					Str("token", s.Token.Token).
					Msg("session state")
			})
			return v.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:9090", "server base url")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&token, "token", os.Getenv("QRATTEND_TOKEN"), "instructor bearer token")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// loadConfig reads the environment, applies the persistent flags and sets
// up logging.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Level = opts.level(cfg.Log.Level)
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = opts.pretty
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

func (o *globalOptions) level(fallback string) string {
	if o.logLevel != "" {
		return o.logLevel
	}
	return fallback
}
