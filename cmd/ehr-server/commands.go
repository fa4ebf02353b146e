package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-extras/cobraflags"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mentalspace/ehr/internal/config"
	"github.com/mentalspace/ehr/internal/domain/admin"
	"github.com/mentalspace/ehr/internal/domain/auditlog"
	"github.com/mentalspace/ehr/internal/domain/identity"
	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/blobstore"
	"github.com/mentalspace/ehr/internal/platform/db"
	"github.com/mentalspace/ehr/migrations"
)

// withApp loads configuration, wires the application and runs fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir), schema)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir), schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	flags := map[string]cobraflags.Flag{
		"name": &cobraflags.StringFlag{
			Name:  "name",
			Usage: "Practice name",
		},
		"domain": &cobraflags.StringFlag{
			Name:  "domain",
			Usage: "Tenant domain, e.g. clinic.example.com",
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new practice",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := flags["name"].GetString()
			domain := flags["domain"].GetString()
			if name == "" || domain == "" {
				return fmt.Errorf("--name and --domain are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := admin.NewService(admin.NewTenantRepoPG(pool), nil, logger)
			t := &admin.Tenant{Name: name, Domain: domain}
			if err := svc.CreateTenant(ctx, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant created: %s (%s)\n", t.ID, t.Domain)
			return nil
		},
	}
	cobraflags.RegisterMap(createCmd, flags)

	cmd.AddCommand(createCmd)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	flags := map[string]cobraflags.Flag{
		"tenant":     &cobraflags.StringFlag{Name: "tenant", Usage: "Tenant domain"},
		"email":      &cobraflags.StringFlag{Name: "email", Usage: "Login email"},
		"password":   &cobraflags.StringFlag{Name: "password", Usage: "Initial password"},
		"first-name": &cobraflags.StringFlag{Name: "first-name", Usage: "First name"},
		"last-name":  &cobraflags.StringFlag{Name: "last-name", Usage: "Last name"},
		"role": &cobraflags.StringFlag{
			Name:  "role",
			Value: string(auth.RoleClient),
			Usage: "ADMIN, THERAPIST or CLIENT",
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user in a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := flags["tenant"].GetString()
			in := identity.CreateUserInput{
				Email:     flags["email"].GetString(),
				Password:  flags["password"].GetString(),
				FirstName: flags["first-name"].GetString(),
				LastName:  flags["last-name"].GetString(),
				Role:      auth.Role(strings.ToUpper(flags["role"].GetString())),
			}

			return withApp(func(ctx context.Context, a *app) error {
				t, err := a.tenants.GetTenantByDomain(ctx, domain)
				if err != nil {
					return fmt.Errorf("tenant %s: %w", domain, err)
				}
				u, created, err := a.users.Provision(ctx, t.ID, in)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "User already exists: %s\n", u.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User created: %s (%s)\n", u.ID, u.Role)
				return nil
			})
		},
	}
	cobraflags.RegisterMap(createCmd, flags)
	_ = createCmd.MarkFlagRequired("tenant")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the demo tenant with an admin and two therapists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return seed(ctx, a.tenants, a.users, cmd.OutOrStdout())
			})
		},
	}
}

// exportFilter builds the audit filter for the export command.
func exportFilter(table, action, from, to string) (auditlog.Filter, error) {
	f := auditlog.Filter{TableName: table, Action: auditlog.Action(strings.ToUpper(action))}
	for _, p := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{{"from", from, &f.From}, {"to", to, &f.To}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			return f, fmt.Errorf("--%s must be RFC3339: %w", p.name, err)
		}
		*p.dst = &t
	}
	return f, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail operations",
	}

	flags := map[string]cobraflags.Flag{
		"tenant": &cobraflags.StringFlag{Name: "tenant", Usage: "Tenant id or domain"},
		"table":  &cobraflags.StringFlag{Name: "table", Usage: "Only entries for this table"},
		"action": &cobraflags.StringFlag{Name: "action", Usage: "Only entries with this action"},
		"from":   &cobraflags.StringFlag{Name: "from", Usage: "Entries at or after this RFC3339 time"},
		"to":     &cobraflags.StringFlag{Name: "to", Usage: "Entries at or before this RFC3339 time"},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a tenant's audit trail as NDJSON",
		Long: "Exports to AUDIT_EXPORT_BUCKET when configured. Without a bucket, " +
			"or with --stdout, the export is written to standard output.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantArg := flags["tenant"].GetString()
			toStdout, _ := cmd.Flags().GetBool("stdout")

			f, err := exportFilter(flags["table"].GetString(), flags["action"].GetString(),
				flags["from"].GetString(), flags["to"].GetString())
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app) error {
				tenantID, err := uuid.Parse(tenantArg)
				if err != nil {
					t, lookupErr := a.tenants.GetTenantByDomain(ctx, tenantArg)
					if lookupErr != nil {
						return fmt.Errorf("tenant %s: %w", tenantArg, lookupErr)
					}
					tenantID = t.ID
				}

				store := a.exports
				if toStdout {
					store = blobstore.NewMemoryStore()
				}
				obj, n, err := a.recorder.Export(ctx, tenantID, f, store)
				if err != nil {
					return err
				}

				if mem, ok := store.(*blobstore.MemoryStore); ok {
					rc, _, err := mem.Get(ctx, obj.Key)
					if err != nil {
						return err
					}
					defer rc.Close()
					_, err = io.Copy(cmd.OutOrStdout(), rc)
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d entries to %s\n", n, obj.Key)
				return nil
			})
		},
	}
	cobraflags.RegisterMap(exportCmd, flags)
	exportCmd.Flags().Bool("stdout", false, "Write to standard output instead of the export bucket")
	_ = exportCmd.MarkFlagRequired("tenant")

	cmd.AddCommand(exportCmd)
	return cmd
}
