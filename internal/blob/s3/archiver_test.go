package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/store/memory"
)

// bucket is an in-memory BlobWriter and BlobReader.
type bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newBucket() *bucket { return &bucket{objects: make(map[string][]byte)} }

func (b *bucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[path] = body
	b.mu.Unlock()
	return nil
}

func (b *bucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (b *bucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, body := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (b *bucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

type staticSource []domain.ProposalRecord

func (s staticSource) Archivable(_ context.Context, before time.Time) ([]domain.ProposalRecord, error) {
	var out []domain.ProposalRecord
	for _, r := range s {
		if r.Proposal.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestArchiveProposalsIsIdempotent(t *testing.T) {
	updated := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	src := staticSource{
		{Proposal: domain.Proposal{ID: "a", State: domain.ProposalExecuted, UpdatedAt: updated}},
		{Proposal: domain.Proposal{ID: "b", State: domain.ProposalCanceled, UpdatedAt: updated.Add(48 * time.Hour)}},
	}
	b := newBucket()
	audit := memory.NewAuditStore()
	arch := NewArchiver(b, b, src, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	n, err := arch.ArchiveProposals(ctx, updated.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	ok, err := b.Exists(ctx, "archive/proposals/2026-02/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = arch.ArchiveProposals(ctx, updated.Add(72*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a is already archived")

	n, err = arch.ArchiveProposals(ctx, updated.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	manifests, err := b.List(ctx, "archive/manifests/")
	require.NoError(t, err)
	assert.Len(t, manifests, 2)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "archive.proposals", entries[0].Event)
}

func TestKeysAndEndpoints(t *testing.T) {
	assert.Equal(t, "futarchy/archive/x.json", (&Client{prefix: "futarchy"}).Key("/archive/x.json"))
	assert.Equal(t, "archive/x.json", (&Client{}).Key("archive/x.json"))

	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("e2.example.com", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
}
