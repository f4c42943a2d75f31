package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"harvest-go/internal/app"
	"harvest-go/internal/config"
	"harvest-go/internal/encryption"
	"harvest-go/internal/vault"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the application defaults.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a HarvestApp. The caller must defer app.Close().
func newApp(ctx context.Context, adjust func(*config.Config)) (*app.HarvestApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}

	a, err := app.NewHarvestApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on stderr and reads a passphrase without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Incremental listing harvester",
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one harvest pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		noMedia, _ := cmd.Flags().GetBool("no-media")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, func(cfg *config.Config) {
			if scope != "" {
				cfg.Crawl.DetailScope = scope
			}
			if noMedia {
				cfg.Media.Disabled = true
			}
		})
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.Run(ctx)
		if summary != nil {
			fmt.Printf("Run %s\n", summary.RunID)
			fmt.Printf("  pages %d  links found %d  new %d  abandoned sections %d\n",
				summary.Pages, summary.LinksFound, summary.LinksNew, summary.Abandoned)
			fmt.Printf("  details %d  new %d  changed %d  unchanged %d  skipped %d\n",
				summary.Details, summary.New, summary.Changed, summary.Unchanged, summary.Skipped)
			fmt.Printf("  media ok %d  skipped %d  failed %d (timed out %d)\n",
				summary.Media.Succeeded, summary.Media.Skipped, summary.Media.Failed, summary.Media.TimedOut)
			if summary.Downgraded > 0 {
				fmt.Printf("  %d fetch(es) succeeded only without certificate verification\n", summary.Downgraded)
			}
		}
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run interrupted: %w", err)
		}
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		baseURL, _ := cmd.Flags().GetString("base-url")
		keys, _ := cmd.Flags().GetBool("keys")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		if dir == "" {
			dir = defaults["base_dir"]
		}

		cfg := config.NewConfig(dir, baseURL)
		if keys {
			cfg.Encryption.Type = "age"
			pass, err := readPassphrase("Passphrase for the archive key: ")
			if err != nil {
				return err
			}
			confirm, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			if err := encryption.NewAgeEncryptor(cfg.Encryption).Setup(pass); err != nil {
				return fmt.Errorf("generating archive key: %w", err)
			}
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Root Dir: %s\n", cfg.RootDir)
		for _, s := range cfg.Sections {
			fmt.Printf("Section:  %s  %s\n", s.Name, s.URL)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Root Dir:  %s\n", cfg.RootDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		for _, s := range cfg.Sections {
			fmt.Printf("Section:   %s  %s\n", s.Name, s.URL)
		}
		fmt.Printf("Links:     %s %s\n", cfg.Links.Type, cfg.Links.Path)
		fmt.Printf("Details:   %s %s\n", cfg.Details.Type, cfg.Details.Path)
		fmt.Printf("Database:  %s %s\n", cfg.Database.Type, cfg.Database.Path)
		fmt.Printf("Media Dir: %s\n", cfg.Media.Dir)
		fmt.Printf("Vault:     %s\n", cfg.Vault.Type)
		fmt.Printf("Encrypt:   %s\n", cfg.Encryption.Type)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nWarning: %v\n", err)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := vault.NewVaultFromConfig(cmd.Context(), cfg.Vault)
		if err != nil {
			return fmt.Errorf("creating vault: %w", err)
		}
		if v == nil {
			fmt.Println("No vault configured.")
			return nil
		}
		if err := v.ValidateSetup(); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}
		fmt.Printf("Vault %q (%s) is ready.\n", cfg.Vault.Name, cfg.Vault.Type)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %s  %-9s  new %d  changed %d  skipped %d  %s\n",
				r.ID,
				r.RunID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Summary.New,
				r.Summary.Changed,
				r.Summary.Skipped,
				duration,
			)
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect archived run artifacts",
}

var archiveListCmd = &cobra.Command{
	Use:   "list [RUN_ID]",
	Short: "List archived objects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		runID := ""
		if len(args) > 0 {
			runID = args[0]
		}
		keys, err := a.ArchiveList(runID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No archived objects.")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Retrieve an archived object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase := ""
		if a.ArchiveEncrypted() {
			passphrase, err = readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		if err := a.ArchiveGet(args[0], w, passphrase); err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", output)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("dir", "", "Root directory for harvested data (default: HARVEST_HOME)")
	configInitCmd.Flags().String("base-url", "https://example.com", "Base URL of the listing site")
	configInitCmd.Flags().Bool("keys", false, "Generate an age key pair and encrypt archives")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)

	// archive subcommands
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveGetCmd)
	archiveGetCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	// root commands
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("scope", "", "Detail pass scope: seen, unresolved or all")
	runCmd.Flags().Bool("no-media", false, "Skip media downloads")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(archiveCmd)
}
