package issues

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bull/evalissues/internal/centroid"
	"github.com/bull/evalissues/internal/escalation"
	"github.com/bull/evalissues/internal/markdown"
	"github.com/bull/evalissues/internal/store"
)

// maxTitleRunes bounds titles derived from failure text.
const maxTitleRunes = 120

// FailureInput is one failing evaluation result.
type FailureInput struct {
	WorkspaceID    int64
	ProjectID      int64
	DocumentUUID   string
	CommitID       int64
	EvaluationUUID string
	ResultUUID     string // generated when empty
	Reason         string // evaluator explanation, often markdown
	OccurredAt     time.Time
}

// Outcome reports what ProcessFailure did.
type Outcome struct {
	Issue            *store.Issue
	Created          bool
	Relevance        float64
	EvaluationResult *store.EvaluationResult
	Status           escalation.Status
}

// Processor ingests failing evaluation results end to end.
type Processor struct {
	store     *store.Store
	manager   *Manager
	matcher   *Matcher // nil when the vector subsystem is disabled
	flattener *markdown.Flattener
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a processor. Pass a nil matcher to always create new
// issues without discovery.
func NewProcessor(st *store.Store, manager *Manager, matcher *Matcher, flattener *markdown.Flattener, logger *slog.Logger) *Processor {
	if flattener == nil {
		flattener = markdown.NewFlattener(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		manager:   manager,
		matcher:   matcher,
		flattener: flattener,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessFailure attributes a failing result to an existing issue or opens
// a new one, records the occurrence and refreshes escalation.
//
// A matched issue gets its centroid moved toward the failure; the vector is
// written before the relational change. A new issue is written relationally
// first and indexed afterwards; if indexing fails the issue stays
// unindexed until its next update.
func (p *Processor) ProcessFailure(ctx context.Context, in FailureInput) (*Outcome, error) {
	if in.DocumentUUID == "" || in.EvaluationUUID == "" || strings.TrimSpace(in.Reason) == "" {
		return nil, fmt.Errorf("%w: document uuid, evaluation uuid and reason are required", ErrInvalidInput)
	}
	if in.ResultUUID == "" {
		in.ResultUUID = uuid.NewString()
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = p.now()
	}

	sections, err := p.flattener.Sections([]byte(in.Reason))
	if err != nil {
		return nil, fmt.Errorf("flatten reason: %w", err)
	}
	text, err := p.flattener.PlainText([]byte(in.Reason))
	if err != nil {
		return nil, fmt.Errorf("flatten reason: %w", err)
	}
	if text == "" || len(sections) == 0 {
		return nil, fmt.Errorf("%w: reason has no text", ErrInvalidInput)
	}

	var discovery *Discovery
	if p.matcher != nil {
		discovery, err = p.matcher.Discover(ctx, DiscoverInput{
			WorkspaceID:  in.WorkspaceID,
			ProjectID:    in.ProjectID,
			DocumentUUID: in.DocumentUUID,
			Text:         text,
		})
		if err != nil {
			return nil, err
		}
	}

	if discovery != nil && discovery.Issue != nil {
		return p.attach(ctx, in, discovery)
	}
	return p.open(ctx, in, deriveTitle(sections[0].Text), text, discovery)
}

func (p *Processor) attach(ctx context.Context, in FailureInput, d *Discovery) (*Outcome, error) {
	c, err := d.Issue.Centroid.Add(d.Embedding)
	if err != nil {
		return nil, fmt.Errorf("update centroid of issue %d: %w", d.Issue.ID, err)
	}
	issue, err := p.manager.Update(ctx, d.Issue, UpdateInput{Centroid: &c})
	if err != nil {
		return nil, err
	}

	out := &Outcome{Issue: issue, Relevance: d.Relevance}
	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		return p.record(ctx, tx, in, out)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("failure attached to issue",
		"issue_id", issue.ID,
		"evaluation_uuid", in.EvaluationUUID,
		"relevance", d.Relevance,
		"status", out.Status.State,
	)
	return out, nil
}

func (p *Processor) open(ctx context.Context, in FailureInput, title, text string, d *Discovery) (*Outcome, error) {
	description := text

	var c centroid.Centroid
	if d != nil {
		var err error
		if c, err = c.Add(d.Embedding); err != nil {
			return nil, err
		}
	}

	out := &Outcome{Created: true}
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		issue, err := p.manager.createTx(ctx, tx, store.NewIssue{
			UUID:         uuid.NewString(),
			WorkspaceID:  in.WorkspaceID,
			ProjectID:    in.ProjectID,
			DocumentUUID: in.DocumentUUID,
			Title:        title,
			Description:  description,
			Centroid:     c,
		})
		if err != nil {
			return err
		}
		out.Issue = issue
		return p.record(ctx, tx, in, out)
	})
	if err != nil {
		return nil, err
	}

	if p.matcher != nil {
		indexed, err := p.manager.Update(ctx, out.Issue, UpdateInput{
			Title:       &title,
			Description: &description,
			Centroid:    &c,
		})
		if err != nil {
			p.logger.Warn("new issue not indexed", "issue_id", out.Issue.ID, "error", err)
		} else {
			out.Issue = indexed
		}
	}

	p.logger.Info("opened issue",
		"issue_id", out.Issue.ID,
		"evaluation_uuid", in.EvaluationUUID,
		"document_uuid", in.DocumentUUID,
	)
	return out, nil
}

// record links the evaluation result, counts the occurrence and refreshes
// escalation for out.Issue.
func (p *Processor) record(ctx context.Context, tx *store.Tx, in FailureInput, out *Outcome) error {
	issueID := out.Issue.ID
	result := &store.EvaluationResult{
		UUID:           in.ResultUUID,
		WorkspaceID:    in.WorkspaceID,
		ProjectID:      in.ProjectID,
		DocumentUUID:   in.DocumentUUID,
		CommitID:       in.CommitID,
		EvaluationUUID: in.EvaluationUUID,
		Reason:         in.Reason,
		IssueID:        &issueID,
	}
	if err := tx.InsertEvaluationResult(ctx, result, p.now()); err != nil {
		return err
	}
	out.EvaluationResult = result

	err := tx.AddHistograms(ctx, []store.HistogramEntry{{
		WorkspaceID:  in.WorkspaceID,
		ProjectID:    in.ProjectID,
		DocumentUUID: in.DocumentUUID,
		IssueID:      issueID,
		CommitID:     in.CommitID,
		Date:         in.OccurredAt,
		Count:        1,
	}}, p.now())
	if err != nil {
		return err
	}

	out.Status, err = p.manager.refreshEscalationTx(ctx, tx, out.Issue)
	return err
}

// deriveTitle takes the first sentence of text, shortened at a word
// boundary.
func deriveTitle(text string) string {
	line := text
	if i := strings.Index(line, ". "); i > 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimSuffix(line, "."))

	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	cut := string([]rune(line)[:maxTitleRunes])
	if i := strings.LastIndex(cut, " "); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
