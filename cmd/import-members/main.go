// Package main imports a member roster from CSV into a community.
//
// Usage:
//
//	./import-members --community=<slug|uuid> --file=roster.csv --dry-run   # Preview against the plan ceiling
//	./import-members --community=<slug|uuid> --file=roster.csv --codes-out=codes.csv   # Create memberships and claim codes
//
// The CSV header must contain display_name and may contain email, section,
// role, admin_role, member_id and user_id.
//
// Issued claim codes are written to --codes-out, or to stdout when it is not set.
// When NATS is reachable a community.member.created event is also published per row
// so the mailer can deliver the codes.
//
// Environment Variables:
//
//	DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE - PostgreSQL connection
//	NATS_URL, NATS_ENABLED - event publishing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/StudioEly/koomy-saas2-sub001/internal/config"
	"github.com/StudioEly/koomy-saas2-sub001/internal/importer"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	natsClient "github.com/StudioEly/koomy-saas2-sub001/internal/nats"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

func main() {
	file := flag.String("file", "", "Path to the roster CSV")
	community := flag.String("community", "", "Target community (slug or id)")
	codesOut := flag.String("codes-out", "", "Write issued claim codes to this CSV file (default stdout)")
	dryRun := flag.Bool("dry-run", false, "Preview changes without applying them")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *file == "" || *community == "" {
		fmt.Fprintln(os.Stderr, "--file and --community are required")
		flag.Usage()
		os.Exit(2)
	}

	if *dryRun {
		logger.Info("=== DRY RUN MODE - No changes will be made ===")
	}

	stats := &importer.Stats{StartTime: time.Now()}
	err := run(logger, *file, *community, *dryRun, *verbose, stats)
	stats.EndTime = time.Now()
	stats.Print(os.Stdout)

	if len(stats.Issued) > 0 {
		if writeErr := writeCodes(stats, *codesOut); writeErr != nil {
			// The codes cannot be recovered from the database, fall back to stdout
			logger.WithError(writeErr).Error("Failed to write claim codes, printing them instead")
			_ = stats.WriteCodes(os.Stdout)
			os.Exit(1)
		}
		if *codesOut != "" {
			logger.Infof("Wrote %d issued memberships to %s", len(stats.Issued), *codesOut)
		}
	}

	for _, rowErr := range stats.Errors {
		logger.Warn(rowErr.Error())
	}

	if err != nil {
		logger.WithError(err).Error("Import failed")
		os.Exit(1)
	}
	if stats.HasFailures() {
		os.Exit(1)
	}
}

func run(logger *logrus.Logger, path, communityRef string, dryRun, verbose bool, stats *importer.Stats) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	rows, invalid, err := importer.ParseCSV(f)
	if err != nil {
		return err
	}
	stats.RowsRead = len(rows) + len(invalid)
	stats.RowsInvalid = len(invalid)
	stats.Errors = append(stats.Errors, invalid...)
	logger.Infof("Parsed %d rows (%d invalid)", stats.RowsRead, stats.RowsInvalid)

	cfg := config.New()
	logLevel := gormLogger.Silent
	if verbose {
		logLevel = gormLogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormLogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Connected to database")

	communityRepo := repository.NewCommunityRepository(db)
	membershipRepo := repository.NewMembershipRepository(db)

	target, err := resolveCommunity(ctx, communityRepo, communityRef)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"community_id": target.ID,
		"slug":         target.Slug,
		"plan_id":      target.PlanID,
	}).Info("Importing into community")

	var publisher services.EventPublisher
	if cfg.NATS.Enabled && !dryRun {
		nc, err := natsClient.NewClient(natsClient.DefaultConfig(cfg.NATS.URL), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, codes will only be written locally")
		} else {
			defer nc.Close()
			publisher = nc
		}
	}

	claimSvc := services.NewClaimService(membershipRepo, communityRepo, logger,
		services.WithMaxCodeAttempts(cfg.Claim.MaxGenerationAttempts),
		services.WithEventPublisher(publisher),
	)
	// Runs before nc.Close so queued member events are sent
	defer claimSvc.WaitForEvents()
	quotaSvc := services.NewQuotaService(membershipRepo, communityRepo, nil, nil, logger)
	membershipSvc := services.NewMembershipService(claimSvc, quotaSvc, membershipRepo, nil, logger)

	return importer.New(membershipSvc, quotaSvc, logger).Run(ctx, target.ID, rows, dryRun, stats)
}

func writeCodes(stats *importer.Stats, path string) error {
	if path == "" {
		fmt.Fprintln(os.Stdout, "\nISSUED CLAIM CODES")
		return stats.WriteCodes(os.Stdout)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create codes file: %w", err)
	}
	if err := stats.WriteCodes(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func resolveCommunity(ctx context.Context, repo *repository.CommunityRepository, ref string) (*models.Community, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return repo.GetCommunityByID(ctx, id)
	}
	return repo.GetCommunityBySlug(ctx, ref)
}
