package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SnapshotSource produces the product snapshot for a URL.
type SnapshotSource interface {
	FetchProductSnapshot(ctx context.Context, url string) (Snapshot, error)
}

// ChangeSource produces a batch of change events, newest first.
type ChangeSource interface {
	ComputeChanges(ctx context.Context, snap *Snapshot, now time.Time) ([]ChangeEvent, error)
}

type SnapshotSourceFunc func(ctx context.Context, url string) (Snapshot, error)

func (f SnapshotSourceFunc) FetchProductSnapshot(ctx context.Context, url string) (Snapshot, error) {
	return f(ctx, url)
}

type ChangeSourceFunc func(ctx context.Context, snap *Snapshot, now time.Time) ([]ChangeEvent, error)

func (f ChangeSourceFunc) ComputeChanges(ctx context.Context, snap *Snapshot, now time.Time) ([]ChangeEvent, error) {
	return f(ctx, snap, now)
}

const (
	PlaceholderTitle  = "Sample Product Name"
	PlaceholderAmount = 299.99
	SampleDropAmount  = 20.00
)

// PlaceholderSource returns a fixed snapshot whose URL is the requested URL.
// Title and Amount override the defaults when set.
type PlaceholderSource struct {
	Title  string
	Amount float64
	Now    func() time.Time
}

func (p PlaceholderSource) FetchProductSnapshot(ctx context.Context, url string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = PlaceholderTitle
	}
	amount := p.Amount
	if amount <= 0 {
		amount = PlaceholderAmount
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return Snapshot{Title: title, Price: FormatUSD(amount), URL: url, ObservedAt: now()}, nil
}

// SampleChanges returns the three canned change events: a price drop now,
// an out-of-stock an hour ago and a no-change two hours ago. It ignores the
// snapshot.
type SampleChanges struct {
	// Location renders timestamps; nil means time.Local.
	Location *time.Location
}

func (s SampleChanges) ComputeChanges(ctx context.Context, _ *Snapshot, now time.Time) ([]ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []ChangeEvent{
		newEvent(now, s.Location, "Price decreased by "+FormatUSD(SampleDropAmount), Positive),
		newEvent(now.Add(-time.Hour), s.Location, "Product went out of stock", Negative),
		newEvent(now.Add(-2*time.Hour), s.Location, "No significant changes detected", Neutral),
	}, nil
}

func newEvent(at time.Time, loc *time.Location, desc string, p Polarity) ChangeEvent {
	return ChangeEvent{
		ID:          NewEventID(),
		At:          at,
		Timestamp:   FormatTimestamp(at, loc),
		Description: desc,
		Polarity:    p,
	}
}

// NewEventID returns a short random identifier.
func NewEventID() string {
	return uuid.NewString()[:8]
}

// FormatTimestamp renders t in loc (time.Local when nil).
func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(TimestampLayout)
}

var usPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatUSD renders amount as a dollar price, e.g. "$299.99".
func FormatUSD(amount float64) string {
	s := usPrinter.Sprint(currency.Symbol(currency.USD.Amount(amount)))
	return strings.Join(strings.Fields(s), "")
}
