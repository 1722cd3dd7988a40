package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/uriencedric/auth/pkg/authorization"
	"github.com/uriencedric/auth/pkg/logging"
	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/sqlstore"
)

var version = "dev" // Will be set during build

func main() {
	cobra.CheckErr(newRootCmd().ExecuteContext(context.Background()))
}

// env is what every subcommand works with once configuration is loaded
type env struct {
	config  *Config
	backend storage.Backend
	close   func() error
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		showVersion bool
	)

	// setup loads configuration, initializes logging and opens the backend
	setup := func(ctx context.Context) (*env, error) {
		config, err := LoadConfig(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if err := logging.Initialize(config.LoggingConfig()); err != nil {
			return nil, fmt.Errorf("failed to initialize logging: %w", err)
		}
		backend, closeFn, err := openBackend(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s backend: %w", config.Backend, err)
		}
		logging.App.Debug("Opened backend", "backend", config.Backend, "instance", config.Instance)
		return &env{config: config, backend: backend, close: closeFn}, nil
	}

	root := &cobra.Command{
		Use:           "authstore",
		Short:         "Permission storage maintenance tool",
		SilenceErrors: true,
		Long: `authstore manages the users, permission packages and overrides kept
by a permission storage backend.

Configuration is read from a YAML file (--config) and AUTHSTORE_* environment
variables:

instance: default
backend: file            # memory, file, sql or redis
file:
  root: data
sql:
  driver: sqlite         # sqlite or mysql
  dsn: authstore.db
redis:
  addr: localhost:6379
  prefix: "auth:"
packages_file: packages.yaml
cache_time: 60
log:
  level: info
  path: log/authstore.log
  audit_path: log/audit.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "authstore %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "show version information")

	root.AddCommand(
		newMigrateCmd(setup),
		newSeedCmd(setup),
		newInspectCmd(setup),
		newCanCmd(setup),
	)
	return root
}

type setupFunc func(ctx context.Context) (*env, error)

func newMigrateCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			store, ok := e.backend.(*sqlstore.Store)
			if !ok {
				return fmt.Errorf("migrate requires the %s backend, configured %s", BackendSQL, e.config.Backend)
			}
			if err := sqlstore.Migrate(ctx, store.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newSeedCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load users, packages and overrides from a fixture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if e.config.Backend == BackendMemory {
				logging.App.Warn("Seeding the memory backend, data is lost on exit")
			}

			fixture, err := storage.LoadFixture(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			if err := storage.Seed(ctx, e.backend, e.config.Instance, fixture); err != nil {
				return fmt.Errorf("failed to seed %s: %w", args[0], err)
			}
			logging.Audit.LogChange("seed", e.config.Instance, 0, "success", "file", args[0], "users", len(fixture.Users))
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users into %s\n", len(fixture.Users), e.config.Instance)
			return nil
		},
	}
}

func newInspectCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <username>",
		Short: "Show a user's packages, overrides and effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			auth, err := newAuthorizer(e.config, e.backend)
			if err != nil {
				return err
			}
			user, err := lookup(ctx, auth, args[0])
			if err != nil {
				return err
			}

			pkgs, err := e.backend.FetchPackagesForUser(ctx, e.config.Instance, user)
			if err != nil {
				return err
			}
			overrides, err := e.backend.FetchOverridesForUser(ctx, e.config.Instance, user)
			if err != nil {
				return err
			}
			effective, err := auth.EffectivePermissions(ctx, user)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user %s (id %d) in %s\n", user.Username(), user.ID(), e.config.Instance)
			fmt.Fprintln(out, "packages:")
			for _, name := range storage.PackageNames(pkgs) {
				if _, ok := auth.Package(name); ok {
					fmt.Fprintf(out, "  %s\n", name)
				} else {
					fmt.Fprintf(out, "  %s (unregistered)\n", name)
				}
			}
			fmt.Fprintln(out, "overrides:")
			printPermissions(out, overrides)
			fmt.Fprintln(out, "effective:")
			printPermissions(out, effective)
			return nil
		},
	}
}

func newCanCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "can <username> <permission>",
		Short: "Check a single permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			auth, err := newAuthorizer(e.config, e.backend)
			if err != nil {
				return err
			}
			user, err := lookup(ctx, auth, args[0])
			if err != nil {
				return err
			}
			allowed, err := auth.UserCan(ctx, user, args[1])
			if err != nil {
				return err
			}

			verdict := "denied"
			if allowed {
				verdict = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", user.Username(), args[1], verdict)
			return nil
		},
	}
}

func lookup(ctx context.Context, auth *authorization.Authorizer, username string) (storage.UserRepresentation, error) {
	user, err := auth.LookupUser(ctx, username)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, fmt.Errorf("no user %q in %s", username, auth.Instance())
	}
	return user, err
}

func printPermissions(w io.Writer, perms map[string]bool) {
	keys := make([]string, 0, len(perms))
	for k := range perms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %t\n", k, perms[k])
	}
}
