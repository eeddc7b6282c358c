// Package notify delivers operator alerts about proposal lifecycle events
// to Discord, Telegram, and signed webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Notification is one alert. Event carries the raw engine event for
// senders that forward structured payloads.
type Notification struct {
	Title   string
	Message string
	Event   *domain.Event
}

// DefaultEvents are the event types alerted on when none are configured.
var DefaultEvents = []domain.EventType{
	domain.EventTradingClosed,
	domain.EventProposalResolved,
	domain.EventProposalExecuted,
	domain.EventProposalRejected,
	domain.EventProposalCanceled,
}

// Notifier fans notifications out to its senders. Only events whose type
// is in the allowed set are forwarded.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier returns a Notifier for senders. An empty events list means
// DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// NotifyEvent alerts on ev if its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.events[ev.Type] {
		return nil
	}
	note := Describe(ev)
	return n.dispatch(ctx, note)
}

// NotifyAll sends a free-form alert regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, Notification{Title: title, Message: message})
}

// dispatch tries every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, note Notification) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", note.Title),
		)
	}
	return errors.Join(errs...)
}

// Describe renders ev as a human-readable alert.
func Describe(ev domain.Event) Notification {
	note := Notification{Event: &ev}
	short := ev.ProposalID
	if len(short) > 8 {
		short = short[:8]
	}
	switch ev.Type {
	case domain.EventTradingClosed:
		note.Title = "Trading closed: " + short
		note.Message = fmt.Sprintf("Final TWAP PASS %s, FAIL %s", ev.PassPrice.StringFixed(4), ev.FailPrice.StringFixed(4))
	case domain.EventProposalResolved:
		winner := "FAIL"
		if ev.PassWins {
			winner = "PASS"
		}
		note.Title = "Resolved: " + short
		note.Message = fmt.Sprintf("%s wins (PASS %s vs FAIL %s)", winner, ev.PassPrice.StringFixed(4), ev.FailPrice.StringFixed(4))
		if ev.Actor != (common.Address{}) {
			note.Message += ", emergency resolution by " + ev.Actor.Hex()
		}
	case domain.EventProposalExecuted:
		note.Title = "Executed: " + short
		note.Message = fmt.Sprintf("Treasury action for %s sent", ev.Amount)
	case domain.EventProposalRejected:
		note.Title = "Rejected: " + short
		note.Message = "FAIL won; no treasury action"
	case domain.EventProposalCanceled:
		note.Title = "Canceled: " + short
		note.Message = fmt.Sprintf("Canceled by %s, refunded %s", ev.Actor.Hex(), ev.Amount)
	default:
		note.Title = string(ev.Type) + ": " + short
		note.Message = fmt.Sprintf("amount %s, tokens %s", ev.Amount, ev.Tokens)
	}
	return note
}

// postJSON posts payload to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return post(ctx, client, url, body, headers)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
