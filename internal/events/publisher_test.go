package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futarchy/internal/cache/local"
	"github.com/alanyoungcy/futarchy/internal/crypto"
	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/store/memory"
)

type fakeNotifier struct {
	mu   sync.Mutex
	seen []domain.EventType
	err  error
}

func (f *fakeNotifier) NotifyEvent(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ev.Type)
	return f.err
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bought(at time.Time) domain.Event {
	return domain.Event{
		Type:       domain.EventOutcomeBought,
		ProposalID: "p1",
		Actor:      common.HexToAddress("0xb0b"),
		Side:       domain.SidePass,
		Tokens:     decimal.NewFromInt(40),
		Amount:     decimal.NewFromInt(21),
		PassPrice:  decimal.RequireFromString("0.52"),
		FailPrice:  decimal.RequireFromString("0.5"),
		State:      domain.ProposalActive,
		At:         at,
	}
}

func TestPublisherDeliversToEverySink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := local.NewBus()
	sub, err := bus.Subscribe(ctx, ChannelPattern)
	require.NoError(t, err)

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	audit := memory.NewAuditStore()
	prices := local.NewPriceCache()
	// A failing sink does not stop the others.
	notifier := &fakeNotifier{err: errors.New("discord down")}

	p := NewPublisher(Deps{Bus: bus, Audit: audit, Prices: prices, Notifier: notifier, Identity: id}, 8, quiet())
	go func() { _ = p.Run(ctx) }()

	at := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	p.Publish(ctx, bought(at))
	require.Eventually(t, func() bool { return p.Delivered() == 1 }, time.Second, 5*time.Millisecond)

	var env Envelope
	require.NoError(t, json.Unmarshal(<-sub, &env))
	ok, err := VerifyEnvelope(env)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id.Address().Hex(), env.Signer)
	ev, err := env.Decode()
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, domain.EventOutcomeBought, ev.Type)

	msgs, err := bus.StreamRead(ctx, Stream, "0", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "outcome.bought", entries[0].Event)
	assert.Equal(t, "21", entries[0].Detail["amount"])

	q, err := prices.GetPrices(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, q.Pass.Equal(decimal.RequireFromString("0.52")))

	notifier.mu.Lock()
	assert.Equal(t, []domain.EventType{domain.EventOutcomeBought}, notifier.seen)
	notifier.mu.Unlock()
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := NewPublisher(Deps{}, 1, quiet())
	ctx := context.Background()
	p.Publish(ctx, bought(time.Now()))
	p.Publish(ctx, bought(time.Now()))
	assert.Len(t, p.queue, 1)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	audit := memory.NewAuditStore()
	p := NewPublisher(Deps{Audit: audit}, 4, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	p.Publish(ctx, bought(time.Now()))
	p.Publish(ctx, domain.Event{Type: domain.EventProposalRejected, ProposalID: "p1"})
	cancel()
	require.ErrorIs(t, p.Run(ctx), context.Canceled)
	assert.EqualValues(t, 2, p.Delivered())

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUnsignedEnvelope(t *testing.T) {
	p := NewPublisher(Deps{}, 1, quiet())
	data, err := p.envelope(bought(time.Now()))
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	ok, err := VerifyEnvelope(env)
	require.NoError(t, err)
	assert.False(t, ok)
}
