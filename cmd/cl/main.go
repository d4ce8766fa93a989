package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/repo"
	"certline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Certline CLI",
	Long: `Certline routes barangay certificate requests through configurable approval workflows.
- Workspace: the .certline directory holding the local database; a Postgres DSN can replace it.
- Workflow: the ordered approval path for one certificate type, imported from certline.yml or the API.
- Request: a citizen's certificate request; its status is always the current step's label or a terminal state.
- Assignment: one approver's pending task on one step; any assigned approver can satisfy a step.
- History: the append-only ledger of every submit/approve/return/reject, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("database-url") != "" {
			return nil
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CERTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres DSN (default: sqlite in workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configSeedCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var barangayID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default certline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if barangayID == "" {
				return fmt.Errorf("--barangay-id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(barangayID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&barangayID, "barangay-id", "", "barangay identifier")
	_ = cmd.MarkFlagRequired("barangay-id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load workflows and RBAC grants from certline.yml into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedFromConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Seeded %d workflows and %d roles\n", len(cfg.Workflows), len(cfg.RBAC.Roles))
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userUpdateCmd())
	user.AddCommand(userGrantCmd())
	user.AddCommand(userRevokeCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Position, "position", "", "position, e.g. barangay captain")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "role to assign (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Position", "Status"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Position, u.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user with roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				roles, err := r.UserRoles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": u, "roles": roles})
			})
		},
	}
	return cmd
}

func userUpdateCmd() *cobra.Command {
	var name, email, position, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				set := func(flag string, v *string) *string {
					if cmd.Flags().Changed(flag) {
						return v
					}
					return nil
				}
				now := repo.NowRFC3339(time.Now())
				err := r.UpdateUser(ctx, args[0],
					set("name", &name), set("email", &email), set("position", &position), set("status", &status), now)
				if err != nil {
					return err
				}
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&position, "position", "", "position")
	cmd.Flags().StringVar(&status, "status", "", "active or disabled")
	return cmd
}

func userGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertRole(ctx, tx, role, ""); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func userRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow configurations",
		Long:  "A workflow is the ordered approval path for one certificate type. Each step carries a status label and the users who can act on it.",
	}
	wf.AddCommand(workflowImportCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowListCmd())
	return wf
}

func workflowImportCmd() *cobra.Command {
	var filePath, certType string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow configurations from YAML into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				imported := 0
				for ct, def := range cfg.Workflows {
					if certType != "" && ct != certType {
						continue
					}
					if _, err := e.ImportWorkflow(ctx, def.Workflow(ct)); err != nil {
						return err
					}
					imported++
				}
				if imported == 0 {
					return fmt.Errorf("no workflow for certificate type %q in %s", certType, filePath)
				}
				fmt.Printf("Imported %d workflow(s)\n", imported)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	cmd.Flags().StringVar(&certType, "type", "", "import only this certificate type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <certificate-type>",
		Short: "Show a stored workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Workflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Certificate Type", "Steps", "Updated"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.CertificateType, len(wf.Steps), wf.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage certificate requests",
		Long:  "Requests flow along their workflow steps. Approve advances to the next step (or completes), return sends the request back to intake, reject ends it.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestHistoryCmd())
	req.AddCommand(requestActionCmd("approve", "Approve the current step"))
	req.AddCommand(requestActionCmd("return", "Return the request to intake"))
	req.AddCommand(requestActionCmd("reject", "Reject the request"))
	return req
}

func requestCreateCmd() *cobra.Command {
	var certType, applicant, payloadJSON, referenceNo string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a certificate request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
					ReferenceNo:     referenceNo,
					CertificateType: certType,
					ApplicantName:   applicant,
					Payload:         payload,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&certType, "type", "", "certificate type")
	cmd.Flags().StringVar(&applicant, "applicant", "", "applicant name")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "request payload as JSON object")
	cmd.Flags().StringVar(&referenceNo, "reference-no", "", "reference number (generated when empty)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("applicant")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <reference-no>",
		Short: "Show a request with its pending assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				req, err := r.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				pending, err := r.ListPendingByRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"request": req, "pending_assignments": pending})
			})
		},
	}
	return cmd
}

func requestListCmd() *cobra.Command {
	var certType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRequests(ctx, certType, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reference", "Type", "Status", "Applicant", "Created"})
				for _, req := range items {
					tw.AppendRow(table.Row{req.ReferenceNo, req.CertificateType, req.Status, req.ApplicantName, req.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&certType, "type", "", "certificate type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <reference-no>",
		Short: "Show the request's history ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Step", "Action", "Actor", "From", "To", "Comment"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.CreatedAt, h.StepName, h.Action, h.ActorID, h.PreviousStatus, h.NewStatus, h.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func requestActionCmd(action, short string) *cobra.Command {
	var stepID int
	var comment string
	cmd := &cobra.Command{
		Use:   action + " <reference-no>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref := args[0]
				actor := viper.GetString("actor-id")
				sid := stepID
				if sid == 0 {
					// Default to the actor's pending assignment on the request.
					a, err := e.Repo.GetPendingForUserOnRequest(ctx, actor, ref)
					if err != nil {
						if errors.Is(err, repo.ErrNotFound) {
							return fmt.Errorf("no pending assignment for %s on %s; pass --step", actor, ref)
						}
						return err
					}
					sid = a.StepID
				}
				req, err := e.RecordAction(ctx, engine.ActionOptions{
					RequestRef: ref,
					StepID:     sid,
					ActorID:    actor,
					Action:     action,
					Comment:    comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&stepID, "step", 0, "step id (defaults to the actor's pending step)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded in history")
	return cmd
}

func inboxCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List the actor's pending assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				items, err := e.ListPendingForUser(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reference", "Type", "Step", "Applicant", "Since"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.Request.ReferenceNo, it.Request.CertificateType, it.StepName,
						it.Request.ApplicantName, it.Assignment.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to --actor-id)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between requests and assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": userID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "History ledger",
		Long:  "The append-only diary of every submit, approve, return, and reject across all requests.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the newest ledger rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestHistory(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg != nil {
				if err := seedIfEmpty(cmd.Context(), e, cfg); err != nil {
					return err
				}
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CERTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CERTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Certline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openDB() (*sql.DB, error) {
	return db.Open(db.Config{
		Workspace: viper.GetString("workspace"),
		DSN:       viper.GetString("database-url"),
	})
}

func seedIfEmpty(ctx context.Context, e engine.Engine, cfg *config.Config) error {
	stored, err := e.Repo.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if len(stored) > 0 {
		return nil
	}
	return e.SeedFromConfig(ctx, cfg)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if cfg != nil {
		if err := seedIfEmpty(ctx, e, cfg); err != nil {
			return err
		}
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
