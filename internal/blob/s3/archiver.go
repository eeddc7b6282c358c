package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

// ProposalSource lists settled proposals eligible for export.
type ProposalSource interface {
	Archivable(ctx context.Context, before time.Time) ([]domain.ProposalRecord, error)
}

var _ domain.Archiver = (*ProposalArchiver)(nil)

// ProposalArchiver exports each settled proposal as one JSON object at
// archive/proposals/YYYY-MM/{id}.json, keyed by the month it was last
// updated, plus a JSONL manifest per run. Proposals already in the bucket
// are skipped, so runs can repeat. Nothing is removed from the primary
// store.
type ProposalArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	source ProposalSource
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver returns a ProposalArchiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, source ProposalSource, audit domain.AuditStore, logger *slog.Logger) *ProposalArchiver {
	return &ProposalArchiver{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveProposals uploads every settled proposal last updated before
// cutoff that is not yet archived, and returns how many it uploaded.
func (a *ProposalArchiver) ArchiveProposals(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.source.Archivable(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	var uploaded []manifestLine
	for _, rec := range records {
		path := proposalPath(rec.Proposal)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return int64(len(uploaded)), fmt.Errorf("s3blob: archive check %s: %w", path, err)
		}
		if exists {
			continue
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return int64(len(uploaded)), fmt.Errorf("s3blob: archive marshal %s: %w", rec.Proposal.ID, err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
			return int64(len(uploaded)), fmt.Errorf("s3blob: archive upload: %w", err)
		}
		uploaded = append(uploaded, manifestLine{
			ProposalID: rec.Proposal.ID,
			State:      rec.Proposal.State,
			Path:       path,
			Bytes:      len(body),
		})
	}
	if len(uploaded) == 0 {
		return 0, nil
	}

	count := int64(len(uploaded))
	manifest, err := marshalJSONL(uploaded)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive manifest: %w", err)
	}
	mpath := fmt.Sprintf("archive/manifests/%s.jsonl", before.UTC().Format("20060102T150405Z"))
	if err := a.writer.Put(ctx, mpath, bytes.NewReader(manifest), "application/x-ndjson"); err != nil {
		return count, fmt.Errorf("s3blob: archive manifest upload: %w", err)
	}

	a.logger.Info("s3blob: proposals archived",
		slog.Int64("count", count),
		slog.String("manifest", mpath),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.proposals", map[string]any{
			"count":    count,
			"manifest": mpath,
			"before":   before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

type manifestLine struct {
	ProposalID string               `json:"proposal_id"`
	State      domain.ProposalState `json:"state"`
	Path       string               `json:"path"`
	Bytes      int                  `json:"bytes"`
}

func proposalPath(p domain.Proposal) string {
	return fmt.Sprintf("archive/proposals/%s/%s.json", p.UpdatedAt.UTC().Format("2006-01"), p.ID)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
