package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cdk/internal/app"
	"cdk/internal/config"
	"cdk/internal/domain"
	"cdk/internal/engine"
	"cdk/internal/importer"
	"cdk/internal/migrate"
	"cdk/internal/repo"
	"cdk/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "cdk",
	Short: "Linux Do CDK",
	Long: `cdk runs the Linux Do CDK service: users publish projects holding a pool
of codes and other users claim one each, or apply for one when the owner
reviews applications by hand.

Configuration comes from a YAML file (see 'cdk config init'). Secrets can be
supplied through the environment or a .env file:
  CDK_SESSION_SECRET, CDK_OAUTH2_CLIENT_ID, CDK_OAUTH2_CLIENT_SECRET,
  CDK_REDIS_PASSWORD, CDK_DATABASE_PATH.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CDK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "cdk.yml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statsCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the expiry sweeper and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Serve(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"version": v})
				}
				fmt.Printf("database at schema version %d\n", v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect and create config files"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Session.Secret = redact(cfg.Session.Secret)
			cfg.OAuth2.ClientSecret = redact(cfg.OAuth2.ClientSecret)
			cfg.Redis.Password = redact(cfg.Redis.Password)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userBanCmd(true))
	u.AddCommand(userBanCmd(false))
	u.AddCommand(userStandingCmd())
	u.AddCommand(userAPIKeyCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var in engine.NewUser
	var trust int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.TrustLevel = domain.TrustLevel(trust)
			if in.Password == "" {
				in.Password = viper.GetString("user-password")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateLocalUser(ctx, in)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "login name")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (or CDK_USER_PASSWORD)")
	cmd.Flags().StringVar(&in.Nickname, "nickname", "", "display name")
	cmd.Flags().IntVar(&trust, "trust", 0, "trust level 0-4")
	cmd.Flags().IntVar(&in.RiskLevel, "risk", 0, "risk level 0-100")
	cmd.Flags().BoolVar(&in.IsAdmin, "admin", false, "grant admin")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	var page repo.Page
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, page.Normalize())
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
	cmd.Flags().IntVar(&page.Current, "page", 1, "page number")
	cmd.Flags().IntVar(&page.Size, "size", 50, "page size")
	return cmd
}

func userBanCmd(banned bool) *cobra.Command {
	use, short := "unban <user-id>", "Lift a ban"
	if banned {
		use, short = "ban <user-id>", "Ban a user and end their sessions"
	}
	var reason string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetBan(ctx, id, banned, reason, 0)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	if banned {
		cmd.Flags().StringVar(&reason, "reason", "", "ban reason")
	}
	return cmd
}

func userStandingCmd() *cobra.Command {
	var trust, risk int
	var admin bool
	cmd := &cobra.Command{
		Use:   "standing <user-id>",
		Short: "Set trust level, risk level and admin flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetStanding(ctx, id, domain.TrustLevel(trust), risk, admin)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().IntVar(&trust, "trust", 0, "trust level 0-4")
	cmd.Flags().IntVar(&risk, "risk", 0, "risk level 0-100")
	cmd.Flags().BoolVar(&admin, "admin", false, "admin flag")
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey <user-id>",
		Short: "Issue a personal API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, id, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": plain})
				}
				fmt.Printf("api key %s (shown once): %s\n", key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "cli", "key label")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect and maintain projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectImportCmd())
	prj.AddCommand(projectExpireCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var page repo.Page
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListAllProjects(ctx, includeDeleted, page.Normalize())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Items", "Reports", "Ends"})
				for _, p := range list.Items {
					status := string(p.Status)
					if p.Hidden {
						status += " (hidden)"
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.DistributionType, status, p.TotalItems, p.ReportCount, p.EndTime.Format(time.RFC3339)})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "total", list.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page.Current, "page", 1, "page number")
	cmd.Flags().IntVar(&page.Size, "size", 50, "page size")
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include deleted projects")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project as its owner sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, nil, args[0])
				if err != nil {
					return err
				}
				view, err := e.GetProjectView(ctx, p.ID, p.OwnerID)
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
}

func projectImportCmd() *cobra.Command {
	var file string
	var allowDuplicates bool
	cmd := &cobra.Command{
		Use:   "import <project-id>",
		Short: "Append codes from a .txt or .jsonl file on behalf of the owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			text, err := importer.ReadUpload(file, f)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, nil, args[0])
				if err != nil {
					return err
				}
				res, err := e.ImportItems(ctx, p.ID, p.OwnerID, text, allowDuplicates)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %d, skipped %d (%d repeated in file, %d already in pool)\n",
					res.ImportedCount, res.SkippedCount, res.SelfDuplicates, res.ExistingDuplicates)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "codes file")
	cmd.Flags().BoolVar(&allowDuplicates, "allow-duplicates", false, "keep repeated codes")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark every ended project EXPIRED now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sw, err := sweeper.New(e, "@every 1m")
				if err != nil {
					return err
				}
				n, err := sw.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d projects\n", n)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Site totals and daily trends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				totals := table.NewWriter()
				totals.SetOutputMirror(os.Stdout)
				totals.AppendHeader(table.Row{"Metric", "Value"})
				b, _ := json.Marshal(stats.Totals)
				var m map[string]any
				_ = json.Unmarshal(b, &m)
				for k, v := range m {
					totals.AppendRow(table.Row{k, v})
				}
				totals.SortBy([]table.SortBy{{Name: "Metric", Mode: table.Asc}})
				totals.Render()

				trend := table.NewWriter()
				trend.SetOutputMirror(os.Stdout)
				trend.AppendHeader(table.Row{"Date", "Claims", "Signups"})
				for i, d := range stats.ClaimTrend {
					signups := 0
					if i < len(stats.SignupTrend) {
						signups = stats.SignupTrend[i].Count
					}
					trend.AppendRow(table.Row{d.Date, d.Count, signups})
				}
				trend.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "trend window in days")
	return cmd
}

// --- helpers ---

// loadConfig reads the config file and applies CDK_* environment overrides.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		cfg, err = config.Load("")
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"session.secret":       &cfg.Session.Secret,
		"oauth2.client_id":     &cfg.OAuth2.ClientID,
		"oauth2.client_secret": &cfg.OAuth2.ClientSecret,
		"redis.password":       &cfg.Redis.Password,
		"database.path":        &cfg.Database.Path,
		"app.addr":             &cfg.App.Addr,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Username", "Nickname", "Source", "Trust", "Risk", "Admin", "Banned"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Username, u.Nickname, u.Source, u.TrustLevel, u.RiskLevel, u.IsAdmin, u.Banned})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
