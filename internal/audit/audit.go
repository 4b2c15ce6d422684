package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/database"
)

// Severity ranks a finding for triage.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// FindingKind names the class of inconsistency detected.
type FindingKind string

const (
	// FindingUnlinkedCase is a case marked as parties-captured with zero
	// case-party links.
	FindingUnlinkedCase FindingKind = "unlinked_case"
	// FindingOrphanedCrossReference is an external-id mapping whose entity is
	// linked to no case.
	FindingOrphanedCrossReference FindingKind = "orphaned_cross_reference"
	// FindingSharedDocument is a CPF/CNPJ present in more than one entity
	// table.
	FindingSharedDocument FindingKind = "shared_document"
	// FindingNearDuplicateName is a pair of entities of the same type whose
	// names differ only by a small edit distance.
	FindingNearDuplicateName FindingKind = "near_duplicate_name"
)

// Finding is one detected inconsistency. Detail carries the kind-specific
// payload for the report consumer.
type Finding struct {
	Kind     FindingKind            `json:"kind"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// Report is the outcome of one audit run.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	CaseID      *int64    `json:"case_id,omitempty"`
	Findings    []Finding `json:"findings"`
}

// caseAuditor is the slice of the case repository the auditor reads.
type caseAuditor interface {
	CasesWithPartiesButNoLinks(ctx context.Context, caseID *int64) ([]*database.Case, error)
	OrphanedCrossReferences(ctx context.Context) ([]*database.CrossReference, error)
	DocumentsSharedAcrossTypes(ctx context.Context) ([]*database.DuplicateDocument, error)
}

// entityLister loads full entity tables for the name-similarity scan.
type entityLister interface {
	ListEntities(ctx context.Context, entityType database.EntityType) ([]*database.Entity, error)
}

// Auditor detects consistency faults left behind by interrupted or buggy
// capture runs. It only reads; remediation stays with the operator.
type Auditor struct {
	cases    caseAuditor
	entities entityLister
	logger   *logrus.Logger

	// MaxNameDistance is the inclusive Levenshtein threshold for flagging two
	// names of the same entity type as near duplicates.
	MaxNameDistance int
}

func NewAuditor(cases caseAuditor, entities entityLister, logger *logrus.Logger) *Auditor {
	return &Auditor{
		cases:           cases,
		entities:        entities,
		logger:          logger,
		MaxNameDistance: 2,
	}
}

// DetectInconsistencies runs every check and aggregates the findings. When
// caseID is non-nil the unlinked-case check is scoped to that case; the
// global checks still run so a per-case report surfaces systemic faults too.
func (a *Auditor) DetectInconsistencies(ctx context.Context, caseID *int64) (*Report, error) {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		CaseID:      caseID,
		Findings:    []Finding{},
	}

	if err := a.checkUnlinkedCases(ctx, caseID, report); err != nil {
		return nil, err
	}
	if err := a.checkOrphanedCrossReferences(ctx, report); err != nil {
		return nil, err
	}
	if err := a.checkSharedDocuments(ctx, report); err != nil {
		return nil, err
	}
	if err := a.checkNearDuplicateNames(ctx, report); err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"findings": len(report.Findings),
	}).Info("Consistency audit completed")

	return report, nil
}

func (a *Auditor) checkUnlinkedCases(ctx context.Context, caseID *int64, report *Report) error {
	cases, err := a.cases.CasesWithPartiesButNoLinks(ctx, caseID)
	if err != nil {
		return fmt.Errorf("failed to check unlinked cases: %w", err)
	}
	for _, c := range cases {
		report.Findings = append(report.Findings, Finding{
			Kind:     FindingUnlinkedCase,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("case %s has a parties capture recorded but no party links", c.CaseNumber),
			Detail: map[string]interface{}{
				"case_id":       c.ID,
				"case_number":   c.CaseNumber,
				"target_code":   c.TargetCode,
				"instance_level": c.InstanceLevel,
			},
		})
	}
	return nil
}

func (a *Auditor) checkOrphanedCrossReferences(ctx context.Context, report *Report) error {
	refs, err := a.cases.OrphanedCrossReferences(ctx)
	if err != nil {
		return fmt.Errorf("failed to check orphaned cross-references: %w", err)
	}
	for _, ref := range refs {
		report.Findings = append(report.Findings, Finding{
			Kind:     FindingOrphanedCrossReference,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s %d is mapped to external id %d but linked to no case", ref.EntityType, ref.EntityID, ref.ExternalPersonID),
			Detail: map[string]interface{}{
				"entity_type":        ref.EntityType,
				"entity_id":          ref.EntityID,
				"external_system":    ref.ExternalSystem,
				"external_person_id": ref.ExternalPersonID,
			},
		})
	}
	return nil
}

func (a *Auditor) checkSharedDocuments(ctx context.Context, report *Report) error {
	dups, err := a.cases.DocumentsSharedAcrossTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to check shared documents: %w", err)
	}
	for _, dup := range dups {
		report.Findings = append(report.Findings, Finding{
			Kind:     FindingSharedDocument,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("document %s appears in %d entity tables", maskDocument(dup.Document), len(dup.Types)),
			Detail: map[string]interface{}{
				"document":     maskDocument(dup.Document),
				"entity_types": dup.Types,
				"entity_ids":   dup.IDs,
			},
		})
	}
	return nil
}

// checkNearDuplicateNames flags pairs within one entity type whose names sit
// within MaxNameDistance edits of each other. Quadratic per type, bounded by
// table size; acceptable for an operator-invoked report.
func (a *Auditor) checkNearDuplicateNames(ctx context.Context, report *Report) error {
	types := []database.EntityType{
		database.EntityClient,
		database.EntityOpposingParty,
		database.EntityThirdParty,
		database.EntityRepresentative,
	}

	for _, entityType := range types {
		entities, err := a.entities.ListEntities(ctx, entityType)
		if err != nil {
			return fmt.Errorf("failed to list %s entities: %w", entityType, err)
		}

		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				left := normalizeName(entities[i].Name)
				right := normalizeName(entities[j].Name)
				if left == right {
					continue
				}
				distance := levenshtein.ComputeDistance(left, right)
				if distance > a.MaxNameDistance {
					continue
				}

				report.Findings = append(report.Findings, Finding{
					Kind:     FindingNearDuplicateName,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s %q and %q differ by %d edits", entityType, entities[i].Name, entities[j].Name, distance),
					Detail: map[string]interface{}{
						"entity_type": entityType,
						"entity_ids":  []int64{entities[i].ID, entities[j].ID},
						"distance":    distance,
					},
				})
			}
		}
	}
	return nil
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// maskDocument keeps the leading and trailing digits so operators can cross
// check without the full legal id landing in logs or reports.
func maskDocument(doc string) string {
	if len(doc) <= 5 {
		return doc
	}
	return doc[:3] + strings.Repeat("*", len(doc)-5) + doc[len(doc)-2:]
}
