package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/app"
	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
	"github.com/matthewcove-stack/intent-normaliser/internal/logging"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
	"github.com/matthewcove-stack/intent-normaliser/internal/server"
	inormsdk "github.com/matthewcove-stack/intent-normaliser/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "inorm",
	Short: "Intent normaliser CLI",
	Long: `inorm turns loosely structured intent packets into execution-ready action plans.
- Intents: submitted packets; each is validated, defaulted and resolved, then either planned or paused.
- Clarifications: questions raised instead of guessing; answering one resumes the paused intent.
- Artifacts: the append-only audit trail of every intent and every executed action.
- Execution: ready plans are forwarded to the execution kernel at most once per idempotency key.

Commands run against the local database unless --remote points at a running server.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("INORM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to normaliser.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("remote", "", "base URL of a running server; commands use the API instead of the database")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --remote")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --remote")
	for _, name := range []string{"config", "json", "actor-id", "remote", "token", "api-key"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(clarificationsCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			appCtx, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer appCtx.Close()

			limiter := server.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.RedisAddr, logger)
			defer limiter.Close()
			authCfg := server.AuthConfig{
				ServiceToken: cfg.Auth.ServiceToken,
				JWTSecret:    cfg.Auth.JWTSecret,
				Logger:       logger,
			}
			if authCfg.ServiceToken == "" && authCfg.JWTSecret == "" {
				logger.Warn("no service token or JWT secret configured; API accepts unauthenticated requests")
				authCfg.AllowAnonymous = true
			}
			handler, err := server.New(server.Config{
				Engine:    appCtx.Engine,
				Auth:      authCfg,
				RateLimit: limiter,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			go server.NewSweeper(appCtx.Engine, logger).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving intent normaliser API",
				zap.String("addr", addr),
				zap.Bool("execution_enabled", cfg.Execution.Enabled),
				zap.String("docs", "/docs"),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("migrated %s database\n", dialect)
			return nil
		},
	}
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <packet.json|->",
		Short: "Submit an intent packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packet, err := readPacket(args[0])
			if err != nil {
				return err
			}
			if client := remoteClient(); client != nil {
				out, err := client.SubmitIntent(cmd.Context(), packet)
				if err != nil {
					return err
				}
				return printJSON(out)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Ingest(ctx, packet, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

func clarificationsCmd() *cobra.Command {
	c := &cobra.Command{Use: "clarifications", Aliases: []string{"clar"}, Short: "Inspect and answer clarifications"}
	c.AddCommand(clarificationsListCmd())
	c.AddCommand(clarificationsAnswerCmd())
	c.AddCommand(clarificationsExpireCmd())
	return c
}

func clarificationsListCmd() *cobra.Command {
	var status, actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clarifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				items, err := client.ListClarifications(cmd.Context(), status, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.IntentID, c.Status, c.Question, len(c.Candidates), c.ExpiresAt})
				}
				return printJSONOrTable(items, clarificationHeader, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListClarifications(ctx, repo.ClarificationFilter{Status: status, ActorID: actor})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.IntentID, c.Status, c.Question, len(c.Candidates), c.ExpiresAt})
				}
				return printJSONOrTable(items, clarificationHeader, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "open", "open, answered or expired (empty for all)")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by submitting actor")
	return cmd
}

var clarificationHeader = table.Row{"ID", "Intent", "Status", "Question", "Candidates", "Expires"}

func clarificationsAnswerCmd() *cobra.Command {
	var choice, text string
	cmd := &cobra.Command{
		Use:   "answer <clarification_id>",
		Short: "Answer a clarification and resume its intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (choice == "") == (text == "") {
				return fmt.Errorf("exactly one of --choice or --text is required")
			}
			if client := remoteClient(); client != nil {
				out, err := client.AnswerClarification(cmd.Context(), args[0], inormsdk.Answer{ChoiceID: choice, Text: text})
				if err != nil {
					return err
				}
				return printJSON(out)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Answer(ctx, args[0], pipeline.Answer{ChoiceID: choice, Text: text}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "candidate id for choice questions")
	cmd.Flags().StringVar(&text, "text", "", "free text, date or datetime answer")
	return cmd
}

func clarificationsExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Apply the expiry policy to overdue clarifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireStale(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d clarification(s) (policy %s)\n", n, e.Config.Clarification.OnExpiry)
				return nil
			})
		},
	}
}

var artifactHeader = table.Row{"ID", "Kind", "Status", "Action", "Received", "Hash"}

func artifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <intent_id>",
		Short: "Show the audit trail of an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				items, err := client.Artifacts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.Kind, a.Status, deref(a.Action), a.ReceivedAt, shortHash(a.ArtifactHash)})
				}
				return printJSONOrTable(items, artifactHeader, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.Kind, a.Status, deref(a.Action), a.ReceivedAt, shortHash(a.ArtifactHash)})
				}
				return printJSONOrTable(items, artifactHeader, rows)
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyDeleteCmd())
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return fmt.Errorf("--actor is required")
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:        "key_" + uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key_id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("api key %s not found", args[0])
					}
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"version":          cfg.Service.Version,
				"git_sha":          cfg.Service.GitSHA,
				"artifact_version": cfg.Service.ArtifactVersion,
			})
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	appCtx, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	conn, dialect, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn, Dialect: dialect})
}

func remoteClient() *inormsdk.Client {
	base := strings.TrimSpace(viper.GetString("remote"))
	if base == "" {
		return nil
	}
	c := inormsdk.New(base)
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func readPacket(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read packet: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("packet %s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "inorm_" + hex.EncodeToString(buf), nil
}

func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
