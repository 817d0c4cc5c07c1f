package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/angelitosystems/tenancy/internal/adapter/postgres"
	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/connection"
	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/logger"
	"github.com/angelitosystems/tenancy/internal/resilience"
	"github.com/angelitosystems/tenancy/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "tenant-create":
		return runTenantCreate(args[1:])
	case "tenant-list":
		return runTenantList(args[1:])
	case "tenant-delete":
		return runTenantDelete(args[1:])
	case "tenant-migrate":
		return runTenantMigrate(args[1:])
	case "tenant-sweep":
		return runTenantSweep(args[1:])
	case "creds-store":
		return runCredsStore(args[1:])
	case "creds-show":
		return runCredsShow(args[1:])
	case "creds-list":
		return runCredsList(args[1:])
	case "creds-rotate":
		return runCredsRotate(args[1:])
	case "migrate-central":
		return runMigrateCentral(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: tenancyd admin <command> [options]

Commands:
  tenant-create    Create a tenant (provisions its database)
  tenant-list      List tenants
  tenant-delete    Soft-delete a tenant (--force removes the row)
  tenant-migrate   Run tenant migrations (--id for one tenant, default all)
  tenant-sweep     Deactivate expired tenants
  creds-store      Store a credential profile
  creds-show       Show a credential profile (sensitive fields masked)
  creds-list       List credential profile names
  creds-rotate     Re-encrypt all profiles under a new key
  migrate-central  Run central migrations (--rollback N to roll back)
  help             Show this help message

Examples:
  tenancyd admin tenant-create --name "Acme Clinic" --subdomain acme
  tenancyd admin tenant-list --all
  tenancyd admin tenant-delete --id 5f3c... --force
  tenancyd admin creds-store --profile acme --field host=db.acme.test --field username=acme
  tenancyd admin creds-rotate
`)
}

// adminDeps bundles everything the admin commands touch.
type adminDeps struct {
	cfg     *config.Config
	tenants *service.TenantService
	creds   *credentials.Store
	cleanup func()
}

func loadAdminDeps(ctx context.Context) (*adminDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		closeLog.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	dir := postgres.NewDirectory(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	creds, err := credentials.NewStore(
		postgres.NewCredentialBackend(pool),
		cfg.Credentials, cfg.Connections,
		connection.PgxProber, breaker, log,
	)
	if err != nil {
		pool.Close()
		closeLog.Close()
		return nil, fmt.Errorf("credentials: %w", err)
	}

	manager := connection.NewManager(cfg.Connections, creds, connection.PgxOpener, log)

	var prov service.Provisioner
	if p, perr := postgres.NewProvisioner(pool, cfg.Connections.Driver); perr == nil {
		prov = p
	} else if !errors.Is(perr, connection.ErrUnsupportedDriver) {
		pool.Close()
		closeLog.Close()
		return nil, fmt.Errorf("provisioner: %w", perr)
	}

	tenants := service.NewTenantService(dir, manager, prov,
		postgres.RunTenantMigrations, nil, nil, cfg.Connections, log)

	cleanup := func() {
		manager.CloseAll(ctx)
		pool.Close()
		closeLog.Close()
	}
	return &adminDeps{cfg: cfg, tenants: tenants, creds: creds, cleanup: cleanup}, nil
}

func runTenantCreate(args []string) error {
	fs := flag.NewFlagSet("tenant-create", flag.ContinueOnError)
	name := fs.String("name", "", "tenant display name (required)")
	slug := fs.String("slug", "", "URL-safe slug (derived from name if omitted)")
	domainFlag := fs.String("domain", "", "dedicated domain")
	subdomain := fs.String("subdomain", "", "subdomain under the base domain")
	profile := fs.String("profile", "", "credential profile name")
	expires := fs.String("expires", "", "expiry timestamp (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	req := tenant.CreateRequest{
		Name:      *name,
		Slug:      *slug,
		Domain:    *domainFlag,
		Subdomain: *subdomain,
	}
	if *expires != "" {
		ts, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("parse --expires: %w", err)
		}
		req.ExpiresAt = &ts
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	t, err := deps.tenants.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	if *profile != "" {
		if _, err := deps.tenants.Update(ctx, t.ID, tenant.UpdateRequest{CredentialProfile: profile}); err != nil {
			return fmt.Errorf("attach credential profile: %w", err)
		}
	}

	fmt.Fprintf(os.Stderr, "Tenant created: %s (id=%s, slug=%s)\n", t.Name, t.ID, t.Slug)
	return nil
}

func runTenantList(args []string) error {
	fs := flag.NewFlagSet("tenant-list", flag.ContinueOnError)
	all := fs.Bool("all", false, "include inactive and soft-deleted tenants")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	var tenants []tenant.Tenant
	if *all {
		tenants, err = deps.tenants.List(ctx)
	} else {
		tenants, err = deps.tenants.ListActive(ctx)
	}
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	if len(tenants) == 0 {
		fmt.Println("No tenants found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSLUG\tDOMAIN\tSUBDOMAIN\tACTIVE\tEXPIRES")
	for i := range tenants {
		t := &tenants[i]
		expires := "-"
		if t.ExpiresAt != nil {
			expires = t.ExpiresAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Name, t.Slug, t.Domain, t.Subdomain, t.IsActive, expires)
	}
	return w.Flush()
}

func runTenantDelete(args []string) error {
	fs := flag.NewFlagSet("tenant-delete", flag.ContinueOnError)
	id := fs.String("id", "", "tenant ID (required)")
	force := fs.Bool("force", false, "remove the row permanently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if *force {
		err = deps.tenants.ForceDelete(ctx, *id)
	} else {
		err = deps.tenants.SoftDelete(ctx, *id)
	}
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Tenant deleted: %s\n", *id)
	return nil
}

func runTenantMigrate(args []string) error {
	fs := flag.NewFlagSet("tenant-migrate", flag.ContinueOnError)
	id := fs.String("id", "", "tenant ID (default: migrate every active tenant)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if *id != "" {
		if err := deps.tenants.MigrateTenant(ctx, *id); err != nil {
			return fmt.Errorf("migrate tenant: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Tenant migrated: %s\n", *id)
		return nil
	}

	if err := deps.tenants.MigrateAll(ctx); err != nil {
		return fmt.Errorf("migrate tenants: %w", err)
	}
	fmt.Fprintln(os.Stderr, "All active tenants migrated.")
	return nil
}

func runTenantSweep(args []string) error {
	fs := flag.NewFlagSet("tenant-sweep", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	n, err := deps.tenants.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired tenants: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Deactivated %d expired tenant(s).\n", n)
	return nil
}

// fieldFlags collects repeated --field key=value pairs.
type fieldFlags map[string]string

func (f fieldFlags) String() string { return "" }

func (f fieldFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	f[k] = val
	return nil
}

func runCredsStore(args []string) error {
	fs := flag.NewFlagSet("creds-store", flag.ContinueOnError)
	profile := fs.String("profile", "", "profile name (required)")
	fields := fieldFlags{}
	fs.Var(fields, "field", "key=value pair (repeatable)")
	promptPass := fs.Bool("prompt-password", false, "prompt for the password instead of passing it as a flag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *profile == "" {
		return fmt.Errorf("--profile is required")
	}

	if *promptPass {
		pass, err := promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		fields["password"] = pass
	}
	if len(fields) == 0 {
		return fmt.Errorf("at least one --field is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if err := deps.creds.StoreProfile(ctx, *profile, credentials.Fields(fields)); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Profile stored: %s\n", *profile)
	return nil
}

func runCredsShow(args []string) error {
	fs := flag.NewFlagSet("creds-show", flag.ContinueOnError)
	profile := fs.String("profile", "", "profile name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *profile == "" {
		return fmt.Errorf("--profile is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	fields, err := deps.creds.MaskedProfile(ctx, *profile)
	if err != nil {
		return fmt.Errorf("show profile: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tVALUE")
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, fields[k])
	}
	return w.Flush()
}

func runCredsList(args []string) error {
	fs := flag.NewFlagSet("creds-list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	profiles, err := deps.creds.Profiles(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	if len(profiles) == 0 {
		fmt.Println("No credential profiles found.")
		return nil
	}
	for _, p := range profiles {
		fmt.Println(p)
	}
	return nil
}

func runCredsRotate(args []string) error {
	fs := flag.NewFlagSet("creds-rotate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	newKey, err := promptPassword("New encryption key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	confirm, err := promptPassword("Confirm encryption key: ")
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	if newKey != confirm {
		return fmt.Errorf("keys do not match")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if err := deps.creds.RotateKey(ctx, newKey); err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	fmt.Fprintln(os.Stderr, "All credential profiles re-encrypted under the new key.")
	fmt.Fprintln(os.Stderr, "Update the configured encryption key before restarting tenancyd.")
	return nil
}

func runMigrateCentral(args []string) error {
	fs := flag.NewFlagSet("migrate-central", flag.ContinueOnError)
	rollback := fs.Int("rollback", 0, "roll back N migrations instead of migrating up")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	if *rollback > 0 {
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *rollback); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	} else if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Central schema at version %d\n", version)
	return nil
}

// promptPassword reads a secret from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
