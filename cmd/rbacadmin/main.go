package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "migrate":
		handleMigrate()
	case "check":
		handleCheck()
	case "effective":
		handleEffective()
	case "purge":
		handlePurge()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rbacadmin - admin tool for the rbac engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rbacadmin validate <config.yaml>                       - Validate a config file")
	fmt.Println("  rbacadmin migrate <config.yaml>                        - Apply schema migrations")
	fmt.Println("  rbacadmin check <config.yaml> <user> <resource> <action> <scope>")
	fmt.Println("                                                         - Resolve one decision with trace")
	fmt.Println("  rbacadmin effective <config.yaml> <user>               - Print a user's effective grants")
	fmt.Println("  rbacadmin purge <config.yaml>                          - Delete expired assignments and overrides")
	fmt.Println()
	fmt.Println("Environment variables with the RBAC_ prefix override file values.")
}

func loadConfigArg() *rbac.Config {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}
	cfg, err := rbac.LoadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func handleValidate() {
	cfg := loadConfigArg()
	out, err := cfg.ToYAML()
	if err != nil {
		fmt.Printf("Error rendering config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration is valid")
	fmt.Println()
	os.Stdout.Write(out)
}

func handleMigrate() {
	cfg := loadConfigArg()
	if cfg.Store.Driver != "sqlite" {
		fmt.Printf("migrate supports the sqlite driver only, got %q\n", cfg.Store.Driver)
		os.Exit(1)
	}
	raw, err := sql.Open("sqlite", cfg.Store.DSN)
	if err != nil {
		fmt.Printf("Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer raw.Close()
	db := squealx.NewDb(raw, "sqlite", "rbac")
	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Error running migrations: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migrations applied")
}

func withEngine(cfg *rbac.Config, fn func(ctx context.Context, e *rbac.Engine) error) {
	engine, cleanup, err := stores.NewEngineFromConfig(cfg)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx, engine); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: rbacadmin check <config.yaml> <user> <resource> <action> <scope>")
		os.Exit(1)
	}
	cfg := loadConfigArg()
	userID, resource, action := os.Args[3], os.Args[4], os.Args[5]
	scope, err := rbac.ParseScope(os.Args[6])
	if err != nil {
		fmt.Printf("Invalid scope: %v\n", err)
		os.Exit(1)
	}
	withEngine(cfg, func(ctx context.Context, e *rbac.Engine) error {
		d, err := e.Explain(ctx, userID, resource, action, scope)
		if err != nil {
			return err
		}
		fmt.Printf("Outcome: %s\n", d.Outcome)
		if d.Source != "" {
			fmt.Printf("Source:  %s\n", d.Source)
		}
		if len(d.Roles) > 0 {
			fmt.Printf("Roles:   %v\n", d.Roles)
		}
		if d.Reason != "" {
			fmt.Printf("Reason:  %s\n", d.Reason)
		}
		if len(d.Trace) > 0 {
			fmt.Println("Trace:")
			for _, line := range d.Trace {
				fmt.Printf("  %s\n", line)
			}
		}
		return nil
	})
}

func handleEffective() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rbacadmin effective <config.yaml> <user>")
		os.Exit(1)
	}
	cfg := loadConfigArg()
	userID := os.Args[3]
	withEngine(cfg, func(ctx context.Context, e *rbac.Engine) error {
		grants, err := e.EffectivePermissions(ctx, userID)
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			fmt.Printf("User %s has no effective permissions\n", userID)
			return nil
		}
		fmt.Printf("Effective permissions for %s:\n", userID)
		for _, g := range grants {
			marker := ""
			if g.Override {
				marker = " (override)"
			}
			fmt.Printf("  %s:%s scope=%s roles=%v%s\n", g.Resource, g.Action, g.Scope, g.Roles, marker)
		}
		return nil
	})
}

func handlePurge() {
	cfg := loadConfigArg()
	withEngine(cfg, func(ctx context.Context, e *rbac.Engine) error {
		n, err := e.PurgeExpired(ctx, cfg.Engine.SweepBatch)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired rows\n", n)
		return nil
	})
}
