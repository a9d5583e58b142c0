package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dirsec-io/dirsec/internal/models"
	"github.com/dirsec-io/dirsec/internal/security"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dirsec",
		Short:         "Multi-directory security service administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("dsn", "", "database connection string")
	viper.SetDefault("reload_schedule", "@every 5m")
	viper.SetEnvPrefix("DIRSEC")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("dsn", root.PersistentFlags().Lookup("dsn"))

	root.AddCommand(
		authenticateCmd(),
		userCmd(),
		directoriesCmd(),
		reloadCmd(),
		watchCmd(),
	)
	return root
}

// newService connects to the database and loads the directory registry.
func newService(ctx context.Context) (*security.Service, error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return nil, fmt.Errorf("no database connection string (set --dsn or DIRSEC_DSN)")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := security.NewStore(db)
	registry := security.NewDirectoryRegistry(store, security.DirectoryDeps{
		DB:     db,
		Hasher: security.NewAutoHasher(),
	})
	if err := registry.Reload(ctx); err != nil {
		return nil, err
	}
	return security.NewService(store, registry), nil
}

func parseDirectoryID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid directory id %q: %w", raw, err)
	}
	return id, nil
}

func authenticateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authenticate <username> <password>",
		Short: "Verify credentials against the configured directories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			directoryID, err := svc.Authenticate(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("authentication failed for %q: %w", args[0], err)
			}
			fmt.Printf("authenticated %q against directory %s\n", args[0], directoryID)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage directory users",
	}

	var (
		directoryID string
		firstNames  string
		lastName    string
		email       string
		expired     bool
		locked      bool
	)
	create := &cobra.Command{
		Use:   "create <username> <password>",
		Short: "Create a user in a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			id, err := parseDirectoryID(directoryID)
			if err != nil {
				return err
			}
			u := &models.User{
				Username:   args[0],
				Password:   args[1],
				FirstNames: firstNames,
				LastName:   lastName,
				Email:      email,
			}
			if err := svc.CreateUser(ctx, id, u, expired, locked); err != nil {
				return err
			}
			fmt.Printf("created user %q in directory %s\n", u.Username, id)
			return nil
		},
	}
	create.Flags().StringVar(&directoryID, "directory", "", "directory id (required)")
	create.Flags().StringVar(&firstNames, "first-names", "", "first names")
	create.Flags().StringVar(&lastName, "last-name", "", "last name")
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().BoolVar(&expired, "expired", false, "create with an expired password")
	create.Flags().BoolVar(&locked, "locked", false, "create locked")
	_ = create.MarkFlagRequired("directory")

	var deleteDirectoryID string
	del := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			id, err := parseDirectoryID(deleteDirectoryID)
			if err != nil {
				return err
			}
			if err := svc.DeleteUser(ctx, id, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted user %q from directory %s\n", args[0], id)
			return nil
		},
	}
	del.Flags().StringVar(&deleteDirectoryID, "directory", "", "directory id (required)")
	_ = del.MarkFlagRequired("directory")

	user.AddCommand(create, del)
	return user
}

func directoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directories",
		Short: "List the configured user directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			dirs, err := svc.GetDirectories(ctx)
			if err != nil {
				return err
			}
			for _, dir := range dirs {
				fmt.Printf("%s  %-10s  %s\n", dir.ID, dir.TypeID, dir.Name)
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the directory registry refreshed on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			dsn := viper.GetString("dsn")
			if dsn == "" {
				return fmt.Errorf("no database connection string (set --dsn or DIRSEC_DSN)")
			}
			db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			store := security.NewStore(db)
			registry := security.NewDirectoryRegistry(store, security.DirectoryDeps{
				DB:     db,
				Hasher: security.NewAutoHasher(),
			})
			if err := registry.Reload(ctx); err != nil {
				return err
			}

			reloader := security.NewReloader(registry, viper.GetString("reload_schedule"))
			if err := reloader.Start(); err != nil {
				return err
			}
			defer reloader.Stop()

			log.Printf("dirsec: watching directory configuration (schedule %s)",
				viper.GetString("reload_schedule"))
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the directory registry from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			if err := svc.Reload(ctx); err != nil {
				return err
			}
			log.Printf("dirsec: registry reloaded")
			return nil
		},
	}
}
