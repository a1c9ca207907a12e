// Package status keeps a Discord channel name in sync with the Minecraft
// server's player count.
package status

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ernie/mcgate/internal/domain"
	"github.com/ernie/mcgate/internal/telemetry"
)

const scopeName = "github.com/ernie/mcgate/status"

// Querier fetches live server status with a single bounded attempt
type Querier interface {
	Query(ctx context.Context) (*domain.ServerStatus, error)
}

// Display is the externally shown label (the status channel name)
type Display interface {
	CurrentLabel(ctx context.Context) (string, error)
	SetLabel(ctx context.Context, label string) error
}

// Normalizer is implemented by displays that store a rewritten form of the
// label, as Discord does for text channel names. A label matches when either
// form equals the current one.
type Normalizer interface {
	NormalizeLabel(label string) string
}

// Ticker is the subset of *time.Ticker the loop needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTickerFunc creates a Ticker firing every d
type NewTickerFunc func(d time.Duration) Ticker

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// RealTicker wraps time.NewTicker
func RealTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

// Options configures a Loop
type Options struct {
	Querier      Querier
	Display      Display
	Interval     time.Duration
	OnlineFormat string // {online} and {max} are substituted
	OfflineLabel string
	Logger       *slog.Logger
	Events       chan<- domain.Event
	NewTicker    NewTickerFunc
}

// Loop polls the server on a fixed interval and renames the display only
// when the computed label differs from the one currently shown.
type Loop struct {
	querier      Querier
	display      Display
	interval     time.Duration
	onlineFormat string
	offlineLabel string
	logger       *slog.Logger
	events       chan<- domain.Event
	newTicker    NewTickerFunc

	mu        sync.RWMutex
	last      *domain.ServerStatus
	lastLabel string

	tracer  trace.Tracer
	ticks   metric.Int64Counter
	renames metric.Int64Counter
	players metric.Int64Gauge
}

// NewLoop creates a Loop
func NewLoop(opts Options) *Loop {
	l := &Loop{
		querier:      opts.Querier,
		display:      opts.Display,
		interval:     opts.Interval,
		onlineFormat: opts.OnlineFormat,
		offlineLabel: opts.OfflineLabel,
		logger:       opts.Logger,
		events:       opts.Events,
		newTicker:    opts.NewTicker,
		tracer:       telemetry.Tracer(scopeName),
	}
	if l.interval <= 0 {
		l.interval = 6 * time.Minute
	}
	if l.onlineFormat == "" {
		l.onlineFormat = "🎮 Players online: {online} 🎮"
	}
	if l.offlineLabel == "" {
		l.offlineLabel = "🛑 Server offline 🛑"
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.newTicker == nil {
		l.newTicker = RealTicker
	}

	m := telemetry.Meter(scopeName)
	l.ticks, _ = m.Int64Counter("mcgate.status.ticks",
		metric.WithDescription("Reconciliation ticks by server reachability"),
	)
	l.renames, _ = m.Int64Counter("mcgate.status.renames",
		metric.WithDescription("Status channel renames issued"),
	)
	l.players, _ = m.Int64Gauge("mcgate.status.players_online",
		metric.WithDescription("Players online at the last tick"),
	)
	return l
}

// Run ticks immediately and then every interval until ctx is cancelled.
// Ticks never overlap and a failed tick never stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.newTicker(l.interval)
	defer ticker.Stop()

	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			l.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation cycle
func (l *Loop) Tick(ctx context.Context) {
	ctx, span := l.tracer.Start(ctx, "status.tick")
	defer span.End()

	// Read the live name every time so out-of-band renames are noticed
	current, err := l.display.CurrentLabel(ctx)
	if err != nil {
		l.logger.Warn("could not read status label", slog.String("error", err.Error()))
		return
	}

	status, err := l.querier.Query(ctx)
	if err != nil {
		// An offline server is a normal state, not a loop failure
		l.logger.Info("server unreachable", slog.String("error", err.Error()))
		status = &domain.ServerStatus{Online: false, LastUpdated: time.Now().UTC()}
	}
	l.record(ctx, status)

	label := l.Label(status)
	span.SetAttributes(attribute.Bool("online", status.Online), attribute.String("label", label))

	if l.shown(label, current) {
		l.logger.Debug("status label unchanged", slog.String("label", label))
		return
	}

	if err := l.display.SetLabel(ctx, label); err != nil {
		l.logger.Warn("could not update status label",
			slog.String("from", current),
			slog.String("to", label),
			slog.String("error", err.Error()))
		return
	}

	l.renames.Add(ctx, 1)
	l.mu.Lock()
	l.lastLabel = label
	l.mu.Unlock()
	l.logger.Info("status label changed", slog.String("from", current), slog.String("to", label))
	domain.Publish(l.events, domain.Event{
		Type:      domain.EventLabelChanged,
		Timestamp: time.Now().UTC(),
		Data:      domain.LabelChangedEvent{From: current, To: label},
	})
}

func (l *Loop) shown(label, current string) bool {
	if label == current {
		return true
	}
	n, ok := l.display.(Normalizer)
	return ok && n.NormalizeLabel(label) == current
}

// Label renders the label for a snapshot
func (l *Loop) Label(status *domain.ServerStatus) string {
	if status == nil || !status.Online {
		return l.offlineLabel
	}
	return strings.NewReplacer(
		"{online}", strconv.Itoa(status.PlayersOnline),
		"{max}", strconv.Itoa(status.PlayersMax),
	).Replace(l.onlineFormat)
}

// Snapshot returns the last polled status and the last label this loop
// applied. The snapshot is nil before the first tick.
func (l *Loop) Snapshot() (*domain.ServerStatus, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.lastLabel
}

func (l *Loop) record(ctx context.Context, status *domain.ServerStatus) {
	l.ticks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("online", status.Online)))
	l.players.Record(ctx, int64(status.PlayersOnline))

	l.mu.Lock()
	prev := l.last
	l.last = status
	l.mu.Unlock()

	if !prev.SameAs(status) {
		domain.Publish(l.events, domain.Event{
			Type:      domain.EventServerUpdate,
			Timestamp: status.LastUpdated,
			Data:      status,
		})
	}
}
