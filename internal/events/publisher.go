// Package events delivers committed engine events to the signal bus, the
// audit log, the price cache, operator notifications and metrics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/futarchy/internal/crypto"
	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/metrics"
)

const (
	// ChannelPrefix is followed by the proposal id: "proposals:<id>".
	ChannelPrefix = "proposals:"
	// ChannelPattern matches every proposal channel.
	ChannelPattern = ChannelPrefix + "*"
	// Stream is the replayable log of every event.
	Stream = "events"

	defaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

// ErrQueueFull is recorded when an event is dropped because the delivery
// queue is full.
var ErrQueueFull = errors.New("events: queue full")

var _ domain.EventPublisher = (*Publisher)(nil)

// Envelope is the wire form of an event on the bus and stream. Signature
// is the engine identity's personal_sign over the event JSON.
type Envelope struct {
	Event     json.RawMessage `json:"event"`
	Signer    string          `json:"signer,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Decode parses the envelope's event.
func (e Envelope) Decode() (domain.Event, error) {
	var ev domain.Event
	err := json.Unmarshal(e.Event, &ev)
	return ev, err
}

// Notifier is the subset of notify.Notifier the publisher uses.
type Notifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Deps are the publisher's sinks. Every field is optional.
type Deps struct {
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Prices   domain.PriceCache
	Notifier Notifier
	Identity *crypto.Identity
}

// Publisher queues events and delivers them from Run. Delivery is best
// effort: sink failures are logged and counted, never returned.
type Publisher struct {
	deps      Deps
	queue     chan domain.Event
	logger    *slog.Logger
	delivered atomic.Int64
}

// NewPublisher returns a publisher with a queue of queueSize events
// (default 1024 when queueSize <= 0).
func NewPublisher(deps Deps, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Publisher{
		deps:   deps,
		queue:  make(chan domain.Event, queueSize),
		logger: logger.With(slog.String("component", "events")),
	}
}

// Publish stamps ev with an id if it has none and queues it. A full queue
// drops the event.
func (p *Publisher) Publish(_ context.Context, ev domain.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	select {
	case p.queue <- ev:
	default:
		metrics.RecordPublish("queue", ErrQueueFull)
		p.logger.Warn("events: queue full, dropping event",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("proposal_id", ev.ProposalID),
		)
	}
}

// Delivered returns how many events Run has delivered.
func (p *Publisher) Delivered() int64 {
	return p.delivered.Load()
}

// Run delivers queued events until ctx is done, then drains what is left
// with a short deadline.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev domain.Event) {
	defer p.delivered.Add(1)
	metrics.RecordEvent(ev)

	if p.deps.Bus != nil {
		data, err := p.envelope(ev)
		if err == nil {
			err = errors.Join(
				p.deps.Bus.Publish(ctx, ChannelPrefix+ev.ProposalID, data),
				p.deps.Bus.StreamAppend(ctx, Stream, data),
			)
		}
		p.record(ev, "bus", err)
	}
	if p.deps.Audit != nil && ev.Type != domain.EventOraclePoked {
		p.record(ev, "audit", p.deps.Audit.Log(ctx, string(ev.Type), AuditDetail(ev)))
	}
	if p.deps.Prices != nil && hasPrices(ev) {
		q := domain.PriceQuote{ProposalID: ev.ProposalID, Pass: ev.PassPrice, Fail: ev.FailPrice, At: ev.At}
		p.record(ev, "prices", p.deps.Prices.SetPrices(ctx, q))
	}
	if p.deps.Notifier != nil {
		p.record(ev, "notify", p.deps.Notifier.NotifyEvent(ctx, ev))
	}
}

func (p *Publisher) record(ev domain.Event, sink string, err error) {
	metrics.RecordPublish(sink, err)
	if err != nil {
		p.logger.Warn("events: delivery failed",
			slog.String("sink", sink),
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Publisher) envelope(ev domain.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	env := Envelope{Event: raw}
	if id := p.deps.Identity; id != nil {
		sig, err := id.SignText(raw)
		if err != nil {
			return nil, err
		}
		env.Signer = id.Address().Hex()
		env.Signature = sig
	}
	return json.Marshal(env)
}

// hasPrices reports whether ev carries a fresh PASS/FAIL price pair.
func hasPrices(ev domain.Event) bool {
	switch ev.Type {
	case domain.EventProposalCreated, domain.EventOutcomeBought, domain.EventOutcomeSold,
		domain.EventOraclePoked, domain.EventTradingClosed:
		return true
	}
	return false
}

// AuditDetail flattens ev into the audit log's detail map.
func AuditDetail(ev domain.Event) map[string]any {
	d := map[string]any{
		"event_id":    ev.ID,
		"proposal_id": ev.ProposalID,
		"state":       string(ev.State),
		"at":          ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Actor != (common.Address{}) {
		d["actor"] = ev.Actor.Hex()
	}
	if ev.Side != "" {
		d["side"] = string(ev.Side)
	}
	if !ev.Tokens.IsZero() {
		d["tokens"] = ev.Tokens.String()
	}
	if !ev.Amount.IsZero() {
		d["amount"] = ev.Amount.String()
	}
	switch ev.Type {
	case domain.EventTradingClosed, domain.EventProposalResolved:
		d["pass_price"] = ev.PassPrice.String()
		d["fail_price"] = ev.FailPrice.String()
		d["pass_wins"] = ev.PassWins
	}
	return d
}

// VerifyEnvelope checks env's signature against its signer.
func VerifyEnvelope(env Envelope) (bool, error) {
	if env.Signature == "" {
		return false, nil
	}
	addr, err := crypto.RecoverText(env.Event, env.Signature)
	if err != nil {
		return false, err
	}
	return addr.Hex() == env.Signer, nil
}
