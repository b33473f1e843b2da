// Package importer loads member rosters from CSV and creates one membership per row
// through the same quota-checked path as the HTTP API.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

// Recognised CSV header columns. Only display_name is required.
const (
	ColumnDisplayName = "display_name"
	ColumnEmail       = "email"
	ColumnSection     = "section"
	ColumnRole        = "role"
	ColumnAdminRole   = "admin_role"
	ColumnMemberID    = "member_id"
	ColumnUserID      = "user_id"
)

// MemberCreator creates memberships on behalf of the importer
type MemberCreator interface {
	CreateMember(ctx context.Context, communityID uuid.UUID, draft services.MembershipDraft, actor *services.Actor) (*services.IssuedMembership, error)
}

// QuotaChecker reports current plan headroom
type QuotaChecker interface {
	CheckQuota(ctx context.Context, communityID uuid.UUID) (*services.QuotaStatus, error)
}

// Row is one parsed roster line
type Row struct {
	Line  int
	Draft services.MembershipDraft
}

// RowError is a line that could not be parsed or imported
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// IssuedCode is a membership created by the import together with its plaintext code.
// ClaimCode is empty for rows bound to a user at creation.
type IssuedCode struct {
	Line         int
	MembershipID uuid.UUID
	MemberID     string
	DisplayName  string
	Email        string
	ClaimCode    string
}

// Stats tracks import progress
type Stats struct {
	RowsRead        int
	RowsInvalid     int
	MembersCreated  int
	AdminsCreated   int
	QuotaRejections int
	Failed          int
	Errors          []RowError
	Issued          []IssuedCode
	StartTime       time.Time
	EndTime         time.Time
}

// Print writes the import summary to w
func (s *Stats) Print(w io.Writer) {
	duration := s.EndTime.Sub(s.StartTime)
	fmt.Fprintln(w, "\n========================================")
	fmt.Fprintln(w, "IMPORT SUMMARY")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Duration:           %v\n", duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Rows Read:          %d\n", s.RowsRead)
	fmt.Fprintf(w, "Rows Invalid:       %d\n", s.RowsInvalid)
	fmt.Fprintf(w, "Members Created:    %d\n", s.MembersCreated)
	fmt.Fprintf(w, "Admins Created:     %d\n", s.AdminsCreated)
	fmt.Fprintf(w, "Quota Rejections:   %d\n", s.QuotaRejections)
	fmt.Fprintf(w, "Failed:             %d\n", s.Failed)
	fmt.Fprintf(w, "Codes Issued:       %d\n", s.codesIssued())
	fmt.Fprintln(w, "========================================")
}

func (s *Stats) codesIssued() int {
	n := 0
	for _, issued := range s.Issued {
		if issued.ClaimCode != "" {
			n++
		}
	}
	return n
}

// WriteCodes writes the issued memberships as CSV so the codes can be handed to members.
// This is the only place the plaintext codes of an import are ever output.
func (s *Stats) WriteCodes(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"line", ColumnMemberID, ColumnDisplayName, ColumnEmail, "claim_code"}); err != nil {
		return fmt.Errorf("failed to write codes header: %w", err)
	}
	for _, issued := range s.Issued {
		record := []string{
			strconv.Itoa(issued.Line),
			issued.MemberID,
			issued.DisplayName,
			issued.Email,
			issued.ClaimCode,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write code for line %d: %w", issued.Line, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// HasFailures reports whether any row was rejected
func (s *Stats) HasFailures() bool {
	return s.RowsInvalid > 0 || s.QuotaRejections > 0 || s.Failed > 0
}

// ParseCSV reads a roster. Rows that fail validation are returned as RowErrors
// so that the remaining rows can still be imported.
func ParseCSV(r io.Reader) ([]Row, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("roster is empty")
		}
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := columns[ColumnDisplayName]; !ok {
		return nil, nil, fmt.Errorf("missing required column %q", ColumnDisplayName)
	}

	var (
		rows    []Row
		invalid []RowError
		line    = 1
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}

		field := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		if isBlank(record) {
			continue
		}

		spec, err := models.ParseRoleSpec(field(ColumnRole), field(ColumnAdminRole))
		if err != nil {
			invalid = append(invalid, RowError{Line: line, Err: err})
			continue
		}
		displayName := field(ColumnDisplayName)
		if displayName == "" {
			invalid = append(invalid, RowError{Line: line, Err: fmt.Errorf("display name is required")})
			continue
		}

		draft := services.MembershipDraft{
			DisplayName: displayName,
			Email:       field(ColumnEmail),
			Section:     field(ColumnSection),
			Role:        spec,
			MemberID:    field(ColumnMemberID),
		}
		if userID := field(ColumnUserID); userID != "" {
			draft.UserID = &userID
		}
		rows = append(rows, Row{Line: line, Draft: draft})
	}

	return rows, invalid, nil
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Importer creates memberships for parsed rows
type Importer struct {
	creator MemberCreator
	quotas  QuotaChecker
	logger  *logrus.Entry
}

// New creates a new importer
func New(creator MemberCreator, quotas QuotaChecker, logger *logrus.Logger) *Importer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Importer{
		creator: creator,
		quotas:  quotas,
		logger:  logger.WithField("component", "importer"),
	}
}

// Run imports rows into the community. In dry-run mode nothing is written and
// billable rows are checked against the headroom reported before the run.
func (im *Importer) Run(ctx context.Context, communityID uuid.UUID, rows []Row, dryRun bool, stats *Stats) error {
	if dryRun {
		return im.simulate(ctx, communityID, rows, stats)
	}

	for _, row := range rows {
		issued, err := im.creator.CreateMember(ctx, communityID, row.Draft, nil)
		if err != nil {
			if errors.Is(err, services.ErrQuotaExceeded) {
				stats.QuotaRejections++
			} else {
				stats.Failed++
			}
			stats.Errors = append(stats.Errors, RowError{Line: row.Line, Err: err})
			im.logger.WithFields(logrus.Fields{
				"line":         row.Line,
				"display_name": row.Draft.DisplayName,
			}).WithError(err).Warn("Failed to import row")
			continue
		}

		if row.Draft.Role.IsBillable() {
			stats.MembersCreated++
		} else {
			stats.AdminsCreated++
		}
		stats.Issued = append(stats.Issued, IssuedCode{
			Line:         row.Line,
			MembershipID: issued.Membership.ID,
			MemberID:     issued.Membership.MemberID,
			DisplayName:  issued.Membership.DisplayName,
			Email:        issued.Membership.Email,
			ClaimCode:    issued.ClaimCode,
		})
		im.logger.WithFields(logrus.Fields{
			"line":      row.Line,
			"member_id": issued.Membership.MemberID,
		}).Debug("Imported row")
	}
	return nil
}

func (im *Importer) simulate(ctx context.Context, communityID uuid.UUID, rows []Row, stats *Stats) error {
	quota, err := im.quotas.CheckQuota(ctx, communityID)
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}

	billable := quota.Current
	for _, row := range rows {
		if !row.Draft.Role.IsBillable() {
			stats.AdminsCreated++
			continue
		}
		if quota.Max != nil && billable >= int64(*quota.Max) {
			stats.QuotaRejections++
			stats.Errors = append(stats.Errors, RowError{
				Line: row.Line,
				Err:  services.NewQuotaExceededError(billable, *quota.Max),
			})
			continue
		}
		billable++
		stats.MembersCreated++
	}

	im.logger.WithFields(logrus.Fields{
		"plan_id":      quota.PlanID,
		"billable_now": quota.Current,
		"billable_end": billable,
	}).Info("[DRY RUN] Import simulated")
	return nil
}
