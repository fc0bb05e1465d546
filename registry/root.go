package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tigrisdata/batchmigrate/registry/bbm"
	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations"
	"github.com/tigrisdata/batchmigrate/registry/datastore/migrations/schema"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
	"github.com/tigrisdata/batchmigrate/version"
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(DBCmd)
	RootCmd.AddCommand(BBMCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (or "+configPathEnv+")")

	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateDownCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateDownCmd.PreRunE = setBoolFlagWithEnv("BATCHMIGRATE_FORCE_DOWN_MIGRATIONS", "force")
	MigrateCmd.AddCommand(MigrateDownCmd)
	DBCmd.AddCommand(MigrateCmd)

	BBMCmd.AddCommand(BBMStatusCmd)
	BBMShowCmd.Flags().IntVarP(&jobsLimit, "jobs", "j", 10, "number of most recent succeeded and failed jobs to show")
	BBMCmd.AddCommand(BBMShowCmd)
	BBMCreateCmd.Flags().Int64Var(&minValue, "min", 0, "inclusive lower bound of the key range")
	BBMCreateCmd.Flags().Int64Var(&maxValue, "max", 0, "exclusive upper bound of the key range")
	BBMCreateCmd.Flags().Int64VarP(&batchSize, "batch-size", "b", 0, "number of keys per job")
	BBMCreateCmd.Flags().BoolVarP(&startNow, "start", "s", false, "start the migration right away")
	_ = BBMCreateCmd.MarkFlagRequired("max")
	_ = BBMCreateCmd.MarkFlagRequired("batch-size")
	BBMCmd.AddCommand(BBMCreateCmd)
	BBMCmd.AddCommand(BBMStartCmd)
	BBMCmd.AddCommand(BBMPauseCmd)
	BBMCmd.AddCommand(BBMResumeCmd)
	BBMRetryCmd.Flags().BoolVarP(&resetAttempts, "reset-attempts", "r", false, "start the attempt count of the retried jobs over")
	BBMCmd.AddCommand(BBMRetryCmd)
	BBMRunCmd.Flags().VarP(nullableInt{&runConcurrency}, "concurrency", "n", "number of workers per migration (defaults to database.backgroundmigrations.concurrency)")
	BBMCmd.AddCommand(BBMRunCmd)

	RootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, c.UsageString())
	})

	if err := viper.BindEnv(configPathKey, configPathEnv); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag(configPathKey, RootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
}

const (
	configPathKey = "configuration_path"
	configPathEnv = "BATCHMIGRATE_CONFIGURATION_PATH"
)

// Command flag vars
var (
	batchSize        int64
	configPath       string
	dryRun           bool
	force            bool
	jobsLimit        int
	maxNumMigrations *int
	maxValue         int64
	minValue         int64
	resetAttempts    bool
	runConcurrency   *int
	showVersion      bool
	startNow         bool
	upToDateCheck    bool
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// setBoolFlagWithEnv binds a boolean flag to an environment variable and overrides the flag if the env var is set.
// It returns an error if the binding or setting fails.
func setBoolFlagWithEnv(envVarKey, flagName string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindEnv(envVarKey); err != nil {
			return fmt.Errorf("error binding env var %q: %w", envVarKey, err)
		}

		if !cmd.Flags().Changed(flagName) && viper.IsSet(envVarKey) {
			value := viper.GetBool(envVarKey)
			if err := cmd.Flags().Set(flagName, strconv.FormatBool(value)); err != nil {
				return fmt.Errorf("error setting flag %q from env var %q: %w", flagName, envVarKey, err)
			}
		}
		return nil
	}
}

// RootCmd is the main command for the 'batchmigrate' binary.
var RootCmd = &cobra.Command{
	Use:           "batchmigrate",
	Short:         "`batchmigrate` runs batched data migrations over PostgreSQL tables",
	Long:          "`batchmigrate` runs batched data migrations over PostgreSQL tables",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			version.FprintVersion(cmd.OutOrStdout())
			return nil
		}
		return cmd.Usage()
	},
}

// DBCmd is the root of the `database` command.
var DBCmd = &cobra.Command{
	Use:   "database",
	Short: "Manages the batched migrations database",
	Long:  "Manages the batched migrations database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// MigrateCmd is the `migrate` sub-command of `database` that manages schema migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage schema migrations",
	Long:  "Manage schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// migrationLimit returns the number of migrations to apply, 0 meaning all.
func migrationLimit() (int, error) {
	if maxNumMigrations == nil {
		return 0, nil
	}
	if *maxNumMigrations < 1 {
		return 0, errors.New("limit must be greater than or equal to 1")
	}
	return *maxNumMigrations, nil
}

var MigrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := migrationLimit()
		if err != nil {
			return err
		}

		return withMigrator(cmd.Context(), func(m *migrations.Migrator) error {
			plan, err := m.UpNPlan(n)
			if err != nil {
				return fmt.Errorf("failed to prepare Up plan: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(plan) > 0 {
				_, _ = fmt.Fprintln(out, strings.Join(plan, "\n"))
			}
			if dryRun {
				return nil
			}

			start := time.Now()
			applied, err := m.UpN(n)
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			_, _ = fmt.Fprintf(out, "OK: applied %d migration(s) in %.3fs\n", applied, time.Since(start).Seconds())
			return nil
		})
	},
}

var MigrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := migrationLimit()
		if err != nil {
			return err
		}

		return withMigrator(cmd.Context(), func(m *migrations.Migrator) error {
			plan, err := m.DownNPlan(n)
			if err != nil {
				return fmt.Errorf("failed to prepare Down plan: %w", err)
			}
			if len(plan) == 0 {
				return nil
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, strings.Join(plan, "\n"))
			if dryRun {
				return nil
			}
			if !force {
				ok, err := confirm(cmd.InOrStdin(), out, "Preparing to apply the above down migrations. Are you sure? [y/N] ")
				if err != nil || !ok {
					return err
				}
			}

			start := time.Now()
			applied, err := m.DownN(n)
			if err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			_, _ = fmt.Fprintf(out, "OK: applied %d down migration(s) in %.3fs\n", applied, time.Since(start).Seconds())
			return nil
		})
	},
}

var yesRegexp = regexp.MustCompile(`(?i)^y(es)?$`)

// confirm prompts on out and reports whether the answer read from in is affirmative.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	_, _ = fmt.Fprint(out, prompt)

	var response string
	if _, err := fmt.Fscanln(in, &response); err != nil {
		if errors.Is(err, io.EOF) {
			return false, fmt.Errorf("failed to scan user input: %w", err)
		}
		// an empty answer is a "no"
		return false, nil
	}
	return yesRegexp.MatchString(response), nil
}

// MigrateVersionCmd is the `version` sub-command of `database migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(m *migrations.Migrator) error {
			v, err := m.Version()
			if err != nil {
				return fmt.Errorf("failed to detect database version: %w", err)
			}
			if v == "" {
				v = "Unknown"
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

// MigrateStatusCmd is the `status` sub-command of `database migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show migration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd.Context(), func(m *migrations.Migrator) error {
			out := cmd.OutOrStdout()
			if upToDateCheck {
				pending, err := m.HasPending()
				if err != nil {
					return fmt.Errorf("failed to detect database status: %w", err)
				}
				_, err = fmt.Fprintln(out, !pending)
				return err
			}

			statuses, err := m.Status()
			if err != nil {
				return fmt.Errorf("failed to detect database status: %w", err)
			}
			return renderMigrationStatus(out, statuses)
		})
	},
}

func renderMigrationStatus(w io.Writer, statuses map[string]*migrations.MigrationStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Migration", "Applied"})

	// Display table rows sorted by migration ID
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		name := id
		if statuses[id].Unknown {
			name += " (unknown)"
		}

		var appliedAt string
		if statuses[id].AppliedAt != nil {
			appliedAt = statuses[id].AppliedAt.String()
		}

		if err := table.Append([]string{name, appliedAt}); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

// withMigrator opens a database connection for schema migrations and calls fn with a migrator over it.
func withMigrator(ctx context.Context, fn func(*migrations.Migrator) error) error {
	config, err := resolveConfiguration()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if ctx, err = configureLogging(contextOrBackground(ctx), config); err != nil {
		return fmt.Errorf("unable to configure logging with config: %w", err)
	}

	db, err := migrationDBFromConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to construct database connection: %w", err)
	}
	defer db.Close()

	return fn(schema.NewMigrator(db.DB))
}

// BBMCmd is the cobra command that corresponds to the background-migrate subcommand
var BBMCmd = &cobra.Command{
	Use:   "background-migrate {status|show|create|start|pause|resume|retry|run}",
	Short: "Manage batched background migrations",
	Long:  "Manage batched background migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

// BBMStatusCmd is the `status` sub-command of `background-migrate` that shows the batched background migrations status.
var BBMStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current status of all batched background migrations",
	Long:  "Show the current status of all batched background migrations.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
			mm, err := e.controller.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch background migrations: %w", err)
			}
			progress, err := e.store.FindProgress(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch background migrations progress: %w", err)
			}
			return renderMigrations(cmd.OutOrStdout(), mm, progress)
		})
	},
}

// BBMShowCmd is the `show` sub-command of `background-migrate` that details a batched background migration.
var BBMShowCmd = &cobra.Command{
	Use:   "show <migration>",
	Short: "Show a batched background migration with its most recent jobs",
	Long:  "Show a batched background migration, identified by ID or name, with its most recent succeeded and failed jobs.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
			m, err := lookupMigration(ctx, e.controller, args[0])
			if err != nil {
				return err
			}
			d, err := e.controller.Details(ctx, m.ID, jobsLimit)
			if err != nil {
				return fmt.Errorf("failed to fetch background migration details: %w", err)
			}
			return renderDetails(cmd.OutOrStdout(), d)
		})
	},
}

// BBMCreateCmd is the `create` sub-command of `background-migrate` that registers a new batched background migration.
var BBMCreateCmd = &cobra.Command{
	Use:   "create <work> --max <n> --batch-size <n> [--min <n>] [--start]",
	Short: "Create a batched background migration",
	Long: "Create a batched background migration applying the registered work function <work> to the keys in " +
		"[min, max) in batches of batch-size keys. The migration is created pending unless --start is set.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
			m, err := e.controller.Create(ctx, args[0], models.Range{Min: minValue, Max: maxValue}, batchSize)
			if err != nil {
				return fmt.Errorf("failed to create background migration: %w", err)
			}
			if startNow {
				if m, err = e.controller.Start(ctx, m.ID); err != nil {
					return fmt.Errorf("failed to start background migration: %w", err)
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: background migration %q created with ID %d (%s)\n", m.Name, m.ID, m.Status)
			return nil
		})
	},
}

// transitionCmd builds a sub-command of `background-migrate` applying a status transition to one migration.
func transitionCmd(use, short string, apply func(*bbm.Controller) func(context.Context, int64) (*models.BackgroundMigration, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <migration>",
		Short: short,
		Long:  short + ". The migration is identified by ID or name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				m, err := lookupMigration(ctx, e.controller, args[0])
				if err != nil {
					return err
				}
				if m, err = apply(e.controller)(ctx, m.ID); err != nil {
					return fmt.Errorf("failed to %s background migration: %w", use, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: background migration %q is %s\n", m.Name, m.Status)
				return nil
			})
		},
	}
}

// BBMStartCmd is the `start` sub-command of `background-migrate` that starts a pending migration.
var BBMStartCmd = transitionCmd("start", "Start a pending batched background migration",
	func(c *bbm.Controller) func(context.Context, int64) (*models.BackgroundMigration, error) { return c.Start })

// BBMPauseCmd is the `pause` sub-command of `background-migrate` that pauses a running migration.
var BBMPauseCmd = transitionCmd("pause", "Pause a running batched background migration",
	func(c *bbm.Controller) func(context.Context, int64) (*models.BackgroundMigration, error) { return c.Pause })

// BBMResumeCmd is the `resume` sub-command of `background-migrate` that resumes a paused migration.
var BBMResumeCmd = transitionCmd("resume", "Resume a paused batched background migration",
	func(c *bbm.Controller) func(context.Context, int64) (*models.BackgroundMigration, error) { return c.Resume })

// BBMRetryCmd is the `retry` sub-command of `background-migrate` that retries the failed jobs of a migration.
var BBMRetryCmd = &cobra.Command{
	Use:   "retry <migration> [--reset-attempts]",
	Short: "Retry the failed jobs of a batched background migration",
	Long: "Retry the failed jobs of a batched background migration, resuming it if it failed. Retried jobs keep " +
		"their attempt count and get a new attempt budget, unless --reset-attempts is set.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
			m, err := lookupMigration(ctx, e.controller, args[0])
			if err != nil {
				return err
			}
			n, err := e.controller.RetryFailedJobs(ctx, m.ID, resetAttempts)
			if err != nil {
				return fmt.Errorf("failed to retry background migration: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: retried %d failed job(s) of background migration %q\n", n, m.Name)
			return nil
		})
	},
}

// BBMRunCmd is the `run` sub-command of `background-migrate` that runs migrations to completion in the foreground.
var BBMRunCmd = &cobra.Command{
	Use:   "run [<migration>...] [--concurrency <n>]",
	Short: "Run batched background migrations to completion",
	Long: "Run the given running batched background migrations, or all running ones if none is given, " +
		"to completion in the foreground.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runConcurrency != nil && *runConcurrency < 1 {
			return errors.New("concurrency must be greater than or equal to 1")
		}

		var opts []bbm.PoolOption
		if runConcurrency != nil {
			opts = append(opts, bbm.WithConcurrency(*runConcurrency))
		}

		return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
			ids := make([]int64, 0, len(args))
			for _, ref := range args {
				m, err := lookupMigration(ctx, e.controller, ref)
				if err != nil {
					return err
				}
				ids = append(ids, m.ID)
			}

			ctx, stop := notifyContext(ctx)
			defer stop()

			sw := bbm.NewSyncWorker(e.store, e.newPool(opts...),
				bbm.WithSyncLogger(e.logger),
				bbm.WithSyncReclaimer(e.newReclaimer()),
				bbm.WithProgressOutput(cmd.ErrOrStderr()),
			)
			if err := sw.Run(ctx, ids...); err != nil {
				return fmt.Errorf("running background migrations: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: %d background migration(s) finished\n", sw.FinishedMigrationCount())
			return nil
		})
	},
}

// lookupMigration resolves a migration reference, either an ID or a name.
func lookupMigration(ctx context.Context, c *bbm.Controller, ref string) (*models.BackgroundMigration, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return c.Get(ctx, id)
	}
	return c.GetByName(ctx, ref)
}

func renderMigrations(w io.Writer, mm models.BackgroundMigrations, progress []*models.BackgroundMigrationProgress) error {
	byID := make(map[int64]*models.BackgroundMigrationProgress, len(progress))
	for _, p := range progress {
		byID[p.MigrationID] = p
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Batched Background Migration", "Status", "Progress", "Range", "Batch Size", "Error"})

	for _, m := range mm {
		pct := "-"
		if p, ok := byID[m.ID]; ok {
			v, _ := p.Percent()
			pct = fmt.Sprintf("%.1f%%", v)
		}
		row := []string{
			strconv.FormatInt(m.ID, 10),
			m.Name,
			m.Status.String(),
			pct,
			m.Range().String(),
			strconv.FormatInt(m.BatchSize, 10),
			m.ErrorCode.String(),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func renderDetails(w io.Writer, d *bbm.MigrationDetails) error {
	m := d.Migration
	p := models.BackgroundMigrationProgress{Status: m.Status, TotalKeys: m.Range().Size(), SucceededKeys: d.SucceededKeys}
	pct, _ := p.Percent()

	summary := tablewriter.NewWriter(w)
	summary.Header([]string{"Field", "Value"})
	rows := [][]string{
		{"ID", strconv.FormatInt(m.ID, 10)},
		{"Name", m.Name},
		{"Status", m.Status.String()},
		{"Error", m.ErrorCode.String()},
		{"Range", m.Range().String()},
		{"Batch Size", strconv.FormatInt(m.BatchSize, 10)},
		{"Cursor", strconv.FormatInt(m.Cursor, 10)},
		{"Progress", fmt.Sprintf("%.1f%%", pct)},
		{"Created At", m.CreatedAt.UTC().Format(time.RFC3339)},
		{"Started At", formatNullTime(m.StartedAt.Valid, m.StartedAt.Time)},
		{"Finished At", formatNullTime(m.FinishedAt.Valid, m.FinishedAt.Time)},
	}
	for _, s := range models.AllBackgroundMigrationJobStatuses {
		rows = append(rows, []string{"Jobs " + s.String(), strconv.Itoa(d.JobCounts[s])})
	}
	for _, row := range rows {
		if err := summary.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	if err := summary.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}

	for _, section := range []struct {
		title string
		jobs  models.BackgroundMigrationJobs
	}{
		{"Recent succeeded jobs", d.SucceededJobs},
		{"Recent failed jobs", d.FailedJobs},
	} {
		if len(section.jobs) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "\n%s:\n", section.title)
		if err := renderJobs(w, section.jobs); err != nil {
			return err
		}
	}
	return nil
}

func renderJobs(w io.Writer, jobs models.BackgroundMigrationJobs) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Job", "Range", "Attempts", "Duration", "Data"})
	for _, j := range jobs {
		row := []string{
			"#" + strconv.FormatInt(j.ID, 10),
			j.Range().String(),
			j.AttemptsLabel(),
			fmt.Sprintf("%dms", j.Duration().Milliseconds()),
			j.Data.Indent(),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("appending table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	return nil
}

func formatNullTime(valid bool, t time.Time) string {
	if !valid {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// withEngine opens a database connection and calls fn with the batched migration engine built over it.
func withEngine(ctx context.Context, fn func(context.Context, *engine) error) error {
	config, err := resolveConfiguration()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if ctx, err = configureLogging(contextOrBackground(ctx), config); err != nil {
		return fmt.Errorf("unable to configure logging with config: %w", err)
	}

	db, err := dbFromConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to construct database connection: %w", err)
	}
	defer db.Close()

	if err := checkSchema(db); err != nil {
		return err
	}

	e, err := newEngine(ctx, config, db)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

// checkSchema fails if the database schema is not up to date.
func checkSchema(db *datastore.DB) error {
	pending, err := schema.NewMigrator(db.DB).HasPending()
	if err != nil {
		return fmt.Errorf("failed to check database migrations status: %w", err)
	}
	if pending {
		return errors.New("there are pending database migrations, use the 'batchmigrate database migrate' CLI " +
			"command to check and apply them")
	}
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
