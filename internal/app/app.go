package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"harvest-go/internal/config"
	"harvest-go/internal/database"
	"harvest-go/internal/encryption"
	"harvest-go/internal/extract"
	"harvest-go/internal/fetch"
	"harvest-go/internal/fs"
	"harvest-go/internal/harvest"
	"harvest-go/internal/media"
	"harvest-go/internal/metrics"
	"harvest-go/internal/table"
	"harvest-go/internal/vault"
)

// ErrNoVault is returned by archive operations when no vault is configured.
var ErrNoVault = errors.New("no vault configured")

// HarvestApp is the application layer between the CLI and HarvestService.
// It constructs all dependencies from config, records each run in the run
// database, and archives run artifacts after a run. The caller must call
// Close when done.
type HarvestApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	links     harvest.Table
	details   harvest.Table
	snapshots *table.DatedSnapshots
	media     *media.Manager
	service   *harvest.HarvestService
	vault     harvest.Vault
	encryptor harvest.Encryptor
	archiver  *harvest.Archiver
	metrics   *metrics.RunMetrics
	clock     harvest.Clock
	logger    harvest.Logger
	op        *RunOperation
	logFile   *os.File

	pageThrottle   *fetch.Throttle
	detailThrottle *fetch.Throttle
}

// NewHarvestApp creates a fully wired HarvestApp from the given config.
// Log lines are tagged with a fresh run ID and mirrored to stderr when it
// is a terminal.
func NewHarvestApp(ctx context.Context, cfg *config.Config) (*HarvestApp, error) {
	var mirror io.Writer
	if stderrIsTerminal() {
		mirror = os.Stderr
	}
	return newHarvestApp(ctx, cfg, harvest.RealClock{}, harvest.UUIDGenerator{}, mirror)
}

func newHarvestApp(ctx context.Context, cfg *config.Config, clock harvest.Clock, ids harvest.IDGenerator, mirror io.Writer) (*HarvestApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(cfg.RootDir, "log")
	}
	runID := ids.New()
	l, logFile, err := newLogger(logDir, runID, mirror)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	a := &HarvestApp{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		op:      NewRunOperation(runID),
		logFile: logFile,
		metrics: metrics.NewRunMetrics(),
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *HarvestApp) wire(ctx context.Context) error {
	cfg := a.cfg

	db, err := database.NewDatabaseFromConfig(cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.links, err = table.NewTableFromConfig(cfg.Links, harvest.LinkSchema, db)
	if err != nil {
		return fmt.Errorf("creating links table: %w", err)
	}
	a.details, err = table.NewTableFromConfig(cfg.Details, harvest.DetailSchema, db)
	if err != nil {
		return fmt.Errorf("creating details table: %w", err)
	}
	a.snapshots = table.NewDatedSnapshots(cfg.Snapshots.Dir, harvest.DetailSchema, a.clock)

	policy := policyFromConfig(cfg.Fetch)
	fetcher := fetch.New(policy, a.clock, a.logger)

	if !cfg.Media.Disabled {
		mediaFetcher := fetch.New(policy.WithMaxAttempts(cfg.Media.MaxAttempts), a.clock, a.logger)
		a.media = media.NewManager(mediaFetcher, fs.NewOSFilesystem(), media.Options{
			Root:         cfg.Media.Dir,
			Workers:      cfg.Media.Workers,
			BatchTimeout: cfg.Media.BatchTimeout.Duration,
			FallbackExt:  cfg.Media.FallbackExt,
		}, a.logger)
	}

	parser := extract.NewListingParser(extract.ListingSelectors{
		LinkPattern:   cfg.Extract.LinkPattern,
		NoResultsText: cfg.Extract.NoResultsText,
	}.WithDefaults())
	extractor := extract.NewDetailExtractor(extract.DetailSelectors{
		Container:   cfg.Extract.Container,
		ImageMarker: cfg.Extract.ImageMarker,
	}.WithDefaults())

	scope, err := harvest.ParseDetailScope(cfg.Crawl.DetailScope)
	if err != nil {
		return err
	}

	linkStore := harvest.NewLinkStore(a.links, a.logger)
	a.pageThrottle = fetch.NewThrottle(cfg.Crawl.PageDelay.Duration)
	a.detailThrottle = a.pageThrottle.Then(cfg.Crawl.DetailDelay.Duration)
	crawler := harvest.NewCrawler(fetcher, parser, a.pageThrottle,
		linkStore, a.clock, a.logger, harvest.CrawlOptions{
			MaxEmptyPages:  cfg.Crawl.MaxEmptyPages,
			ErrorWait:      cfg.Crawl.ErrorWait.Duration,
			MaxPageRetries: cfg.Crawl.MaxPageRetries,
		})
	reconciler := harvest.NewReconciler(a.details, a.snapshots, a.logger)

	// A nil *media.Manager must not become a non-nil interface.
	var downloader harvest.MediaDownloader
	if a.media != nil {
		downloader = a.media
	}

	sections := make([]harvest.Section, len(cfg.Sections))
	for i, s := range cfg.Sections {
		sections[i] = harvest.Section{Name: s.Name, URL: s.URL}
	}

	a.service = harvest.NewHarvestService(crawler, fetcher, extractor,
		a.detailThrottle, reconciler, downloader,
		a.clock, a.logger, sections, scope)

	a.vault, err = vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if a.vault != nil {
		a.archiver = harvest.NewArchiver(a.vault, a.encryptor, a.logger)
	}
	return nil
}

func policyFromConfig(c config.FetchConfig) fetch.Policy {
	p := fetch.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.BackoffUnit = c.BackoffUnit.Duration
	p.BackoffBase = c.BackoffBase
	p.MaxBackoff = c.MaxBackoff.Duration
	p.ConnectTimeout = c.ConnectTimeout.Duration
	p.ReadTimeout = c.ReadTimeout.Duration
	p.ReadTimeoutGrowth = c.ReadTimeoutGrowth
	p.MaxReadTimeout = c.MaxReadTimeout.Duration
	if len(c.RetryStatuses) > 0 {
		p.RetryStatuses = c.RetryStatuses
	}
	p.InsecureFallback = !c.DisableInsecureFallback
	if c.UserAgent != "" {
		p.UserAgent = c.UserAgent
	}
	return p
}

// RunID returns the ID of the run this app performs.
func (a *HarvestApp) RunID() string { return a.op.RunID }

// Run performs one harvest pass and records it in the run database. The
// run is finalized even when the pass fails: its status and partial tally
// are stored, metrics are written and artifacts are archived. Metrics and
// archive failures are logged as warnings and do not fail the run. The
// returned summary is non-nil whenever the run was recorded.
func (a *HarvestApp) Run(ctx context.Context) (*harvest.RunSummary, error) {
	started := a.clock.Now()
	id, err := a.db.CreateRun(a.op.RunID, started)
	if err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}
	a.op.ID = id
	a.logger.Info("run starting", "sections", len(a.cfg.Sections))

	summary, runErr := a.service.Run(ctx, a.op.RunID)
	if a.media != nil {
		a.media.Wait()
	}
	a.op.Finish(runErr)
	finished := a.clock.Now()

	if err := a.db.FinishRun(a.op.ID, a.op.Status, finished, summary); err != nil {
		return summary, errors.Join(runErr, fmt.Errorf("recording run finish: %w", err))
	}
	if runErr != nil {
		a.logger.Error("run failed", "status", a.op.Status, "error", runErr)
	}

	if err := a.writeMetrics(summary, started, finished, runErr); err != nil {
		a.logger.Warn("metrics not written", "error", err)
	}
	if err := a.archive(); err != nil {
		a.logger.Warn("archive incomplete", "error", err)
	}
	return summary, runErr
}

func (a *HarvestApp) writeMetrics(summary *harvest.RunSummary, started, finished time.Time, runErr error) error {
	a.metrics.Observe(summary, started, finished, runErr)
	if a.cfg.Metrics.TextfilePath == "" {
		return nil
	}
	return a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath)
}

// archive uploads a consistent copy of the run database, the file-backed
// record tables and this run's snapshot files under runs/<runID>/.
func (a *HarvestApp) archive() error {
	if a.archiver == nil {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "harvest-archive-*")
	if err != nil {
		return fmt.Errorf("creating archive staging dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbCopy := filepath.Join(tmpDir, "harvest.db")
	if err := a.db.BackupTo(dbCopy); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}

	paths := []string{dbCopy}
	for _, t := range []harvest.Table{a.links, a.details} {
		if f, ok := t.(interface{ Path() string }); ok {
			paths = append(paths, f.Path())
		}
	}
	paths = append(paths, a.snapshots.Paths()...)

	keys, err := a.archiver.Archive(a.op.RunID, paths)
	if err != nil {
		return fmt.Errorf("archiving run: %w", err)
	}
	a.logger.Info("run archived", "objects", len(keys))
	return nil
}

// History returns the most recent runs, newest first.
func (a *HarvestApp) History(limit int) ([]*harvest.RunRecord, error) {
	return a.db.ListRuns(limit)
}

// ArchiveList returns the archived object keys of runID, or of every run
// when runID is empty.
func (a *HarvestApp) ArchiveList(runID string) ([]string, error) {
	if a.vault == nil {
		return nil, ErrNoVault
	}
	prefix := "runs/"
	if runID != "" {
		prefix = path.Join("runs", runID) + "/"
	}
	return a.vault.List(prefix)
}

// ArchiveGet writes an archived object to w. Encrypted objects are
// decrypted with the private key unlocked by passphrase.
func (a *HarvestApp) ArchiveGet(key string, w io.Writer, passphrase string) error {
	if a.vault == nil {
		return ErrNoVault
	}
	var dec harvest.DecryptionContext
	if strings.HasSuffix(key, harvest.EncryptedSuffix) {
		if a.encryptor == nil {
			return fmt.Errorf("%s is encrypted but no encryption is configured", key)
		}
		var err error
		dec, err = a.encryptor.Unlock(passphrase)
		if err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
	}
	return a.archiver.Retrieve(key, w, dec)
}

// ArchiveEncrypted reports whether archived objects are encrypted.
func (a *HarvestApp) ArchiveEncrypted() bool { return a.encryptor != nil }

// Close closes the run database and the log file.
func (a *HarvestApp) Close() error {
	var firstErr error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
