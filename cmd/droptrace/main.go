package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"droptrace/internal/app"
	"droptrace/internal/config"
	"droptrace/internal/domain"
	"droptrace/internal/report"
	"droptrace/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "droptrace",
	Short: "Droptrace telemetry CLI",
	Long: `Droptrace records automated checkout research runs: sessions and runs
per platform, captcha and proxy telemetry, daily rate snapshots, and
comparative reports. Writes survive primary-store outages via a local
fallback log that is reconciled back when the store returns.`,
}

func main() {
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
	viper.SetEnvPrefix("DROPTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(researchCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg.Store.Workspace == "." {
		cfg.Store.Workspace = workspace
	}
	if dsn := viper.GetString("primary-dsn"); dsn != "" {
		cfg.Store.PrimaryDSN = dsn
	}
	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default droptrace.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Store health and sync backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pending, err := a.Gateway.PendingCount(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"primary_store":  a.Gateway.Healthy(ctx),
					"pending_sync":   pending,
					"schema_version": a.SchemaVersion,
					"platforms":      a.Config.Platforms,
				})
			})
		},
	}
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage research accounts"}
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountAddCmd())
	return acc
}

func accountListCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				accounts, err := a.Repo.ListAccounts(ctx, platform)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Platform", "Status", "Success", "Failure", "Last Used"})
				for _, a := range accounts {
					lastUsed := ""
					if a.LastUsed != nil {
						lastUsed = a.LastUsed.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{a.ID, a.Platform, a.Status, a.SuccessCount, a.FailureCount, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform")
	return cmd
}

func accountAddCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if platform == "" {
				return fmt.Errorf("--platform required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				account, err := a.Repo.InsertAccount(ctx, domain.Account{Platform: platform})
				if err != nil {
					return err
				}
				return printJSONOrTable(account)
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "target platform")
	return cmd
}

func metricsCmd() *cobra.Command {
	var platform, botType, date string
	var materialize bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Compute a daily analytics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if platform == "" {
				return fmt.Errorf("--platform required")
			}
			day := time.Now().UTC()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date, want YYYY-MM-DD: %w", err)
				}
				day = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if materialize {
					m, err := a.Metrics.Materialize(ctx, platform, botType, day)
					if err != nil {
						return err
					}
					return printJSONOrTable(m)
				}
				m, err := a.Metrics.Compute(ctx, platform, botType, day)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform")
	cmd.Flags().StringVar(&botType, "bot-type", "", "bot type, empty for all")
	cmd.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD), default today")
	cmd.Flags().BoolVar(&materialize, "store", false, "store the snapshot")
	return cmd
}

func reportWindowFlags(cmd *cobra.Command, since, until *string) {
	cmd.Flags().StringVar(since, "since", "", "window start (YYYY-MM-DD), default 7 days back")
	cmd.Flags().StringVar(until, "until", "", "window end (YYYY-MM-DD), default now")
}

func parseWindow(since, until string) (report.Window, error) {
	w := report.Window{Until: time.Now().UTC()}
	if until != "" {
		parsed, err := time.Parse("2006-01-02", until)
		if err != nil {
			return w, fmt.Errorf("invalid --until: %w", err)
		}
		w.Until = parsed
	}
	w.Since = w.Until.Add(-7 * 24 * time.Hour)
	if since != "" {
		parsed, err := time.Parse("2006-01-02", since)
		if err != nil {
			return w, fmt.Errorf("invalid --since: %w", err)
		}
		w.Since = parsed
	}
	return w, nil
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Generate research reports"}
	rep.AddCommand(reportPlatformCmd())
	rep.AddCommand(reportComparativeCmd())
	rep.AddCommand(reportDefenseCmd())
	rep.AddCommand(reportAttackCmd())
	return rep
}

func reportPlatformCmd() *cobra.Command {
	var platform, since, until, out string
	var html bool
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Full report for one platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			if platform == "" {
				return fmt.Errorf("--platform required")
			}
			w, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reports.Platform(ctx, platform, w)
				if err != nil {
					return err
				}
				if out != "" {
					name := fmt.Sprintf("platform_%s_%s", platform, rep.GeneratedAt.Format("20060102_150405"))
					path, err := report.SaveJSON(out, name, rep)
					if err != nil {
						return err
					}
					fmt.Println("wrote", path)
					if html {
						path, err = report.SaveHTML(out, name, rep.ExportHTML())
						if err != nil {
							return err
						}
						fmt.Println("wrote", path)
					}
					return nil
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform")
	reportWindowFlags(cmd, &since, &until)
	cmd.Flags().StringVar(&out, "out", "", "export directory")
	cmd.Flags().BoolVar(&html, "html", false, "also export HTML")
	return cmd
}

func reportComparativeCmd() *cobra.Command {
	var since, until, out string
	var html bool
	cmd := &cobra.Command{
		Use:   "comparative",
		Short: "Rank platforms against each other",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reports.Comparative(ctx, a.Config.Platforms, w)
				if err != nil {
					return err
				}
				if out != "" {
					name := "comparative_" + rep.GeneratedAt.Format("20060102_150405")
					path, err := report.SaveJSON(out, name, rep)
					if err != nil {
						return err
					}
					fmt.Println("wrote", path)
					if html {
						path, err = report.SaveHTML(out, name, rep.ExportHTML())
						if err != nil {
							return err
						}
						fmt.Println("wrote", path)
					}
					return nil
				}
				return printJSONOrTable(rep)
			})
		},
	}
	reportWindowFlags(cmd, &since, &until)
	cmd.Flags().StringVar(&out, "out", "", "export directory")
	cmd.Flags().BoolVar(&html, "html", false, "also export HTML")
	return cmd
}

func reportDefenseCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "defense",
		Short: "Defense effectiveness per platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reports.DefenseEffectiveness(ctx, a.Config.Platforms, w)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	reportWindowFlags(cmd, &since, &until)
	return cmd
}

func reportAttackCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "attack-vectors",
		Short: "Compare bot approaches and solver economics",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reports.AttackVectors(ctx, w)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	reportWindowFlags(cmd, &since, &until)
	return cmd
}

func researchCmd() *cobra.Command {
	res := &cobra.Command{Use: "research", Short: "Manage research studies"}
	res.AddCommand(researchStartCmd())
	res.AddCommand(researchCompleteCmd())
	res.AddCommand(researchListCmd())
	return res
}

func researchStartCmd() *cobra.Command {
	var name, platform, description string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a named study; runs join it by research tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Repo.InsertResearchSession(ctx, domain.ResearchSession{
					Name: name, Platform: platform, Description: description,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "study name and run tag")
	cmd.Flags().StringVar(&platform, "platform", "", "primary platform, informational")
	cmd.Flags().StringVar(&description, "description", "", "what the study is after")
	return cmd
}

func researchCompleteCmd() *cobra.Command {
	var id, findings string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Close a study and tally its runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Repo.CompleteResearchSession(ctx, id, findings)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "study id")
	cmd.Flags().StringVar(&findings, "findings", "", "free-form findings")
	return cmd
}

func researchListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				studies, err := a.Repo.ListResearchSessions(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(studies)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active or completed")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Session maintenance"}
	sess.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Mark sessions past their deadline as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Repo.ExpireSessions(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Printf("expired %d sessions\n", n)
				return nil
			})
		},
	})
	return sess
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay fallback records into the primary store now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				synced, err := a.Gateway.Reconcile(ctx)
				if err != nil {
					return err
				}
				pending, perr := a.Gateway.PendingCount(ctx)
				if perr != nil {
					return perr
				}
				fmt.Printf("synced %d records, %d pending\n", synced, pending)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				authCfg := server.AuthConfig{
					JWTSecret: a.Config.Server.JWTSecret,
					APIKeys:   a.Config.Server.APIKeys,
				}
				if secret := viper.GetString("jwt-secret"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				a.Log.Info("serving dashboard API", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, default from config")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
