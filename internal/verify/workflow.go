// Package verify implements the /verify transaction: it maps a Discord user to
// a Minecraft account, whitelists that account over RCON, and records success
// by granting the Verified role.
//
// The role is the only durable record. It is checked before any network work
// so a verified user never triggers a second whitelist mutation, and it is
// only granted after the whitelist call succeeded so a failed attempt can be
// retried.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ernie/mcgate/internal/domain"
	"github.com/ernie/mcgate/internal/minecraft"
	"github.com/ernie/mcgate/internal/telemetry"
)

const scopeName = "github.com/ernie/mcgate/verify"

// State is the terminal state a verification ended in
type State string

const (
	StateInvalidRequest        State = "invalid_request"
	StateNotInGuild            State = "not_in_guild"
	StateInProgress            State = "in_progress"
	StateAlreadyVerified       State = "already_verified"
	StateMembershipUnavailable State = "membership_unavailable"
	StateIdentityNotFound      State = "identity_not_found"
	StateIdentityUnreachable   State = "identity_unreachable"
	StateGrantFailed           State = "grant_failed"
	StateGranted               State = "granted"
)

// ErrInvariant marks failures that mean the bot is misconfigured or the guild
// is missing something bootstrap guarantees. Callers should stop the process.
var ErrInvariant = errors.New("invariant violated")

// Request is one invocation of the verify command
type Request struct {
	GuildID  string
	UserID   string
	Username string
}

// Result is what the user is told, plus the state it came from
type Result struct {
	State         State
	Reply         string
	CanonicalName string
}

// IdentityResolver resolves a claimed name to a canonical profile.
// A name with no account must yield domain.ErrProfileNotFound.
type IdentityResolver interface {
	Lookup(ctx context.Context, username string) (*domain.Profile, error)
}

// AllowList adds an account to the game server's whitelist.
// Errors should wrap minecraft.ErrConnect, ErrAuth or ErrCommand.
type AllowList interface {
	Add(ctx context.Context, name string) error
}

// Membership reads and sets the Verified role for a guild member
type Membership interface {
	IsVerified(ctx context.Context, guildID, userID string) (bool, error)
	GrantVerified(ctx context.Context, guildID, userID string) error
}

// Options configures a Workflow
type Options struct {
	Resolver   IdentityResolver
	AllowList  AllowList
	Membership Membership
	Logger     *slog.Logger
	// Events receives one domain.EventVerification per request (optional)
	Events chan<- domain.Event
	// SerializePerUser rejects a request while another one for the same
	// user is still running
	SerializePerUser bool
}

// Workflow runs verification requests. It is safe for concurrent use.
type Workflow struct {
	resolver   IdentityResolver
	allowList  AllowList
	membership Membership
	logger     *slog.Logger
	events     chan<- domain.Event
	locks      *userLocks

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Workflow
func New(opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Workflow{
		resolver:   opts.Resolver,
		allowList:  opts.AllowList,
		membership: opts.Membership,
		logger:     logger,
		events:     opts.Events,
		tracer:     telemetry.Tracer(scopeName),
	}
	if opts.SerializePerUser {
		w.locks = newUserLocks()
	}

	m := telemetry.Meter(scopeName)
	w.outcomes, _ = m.Int64Counter("mcgate.verifications",
		metric.WithDescription("Verification requests by terminal state"),
	)
	w.duration, _ = m.Float64Histogram("mcgate.verification.duration",
		metric.WithDescription("Time from request to reply"),
		metric.WithUnit("ms"),
	)
	return w
}

// Verify runs one request to completion. The returned error is non-nil only
// for invariant violations (wrapping ErrInvariant); every other outcome,
// including infrastructure failures, is reported through Result.
func (w *Workflow) Verify(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "verify",
		trace.WithAttributes(
			attribute.String("guild_id", req.GuildID),
			attribute.String("user_id", req.UserID),
		))
	defer span.End()

	logger := w.logger.With(
		slog.String("guild_id", req.GuildID),
		slog.String("user_id", req.UserID),
		slog.String("claimed", req.Username),
	)

	res, err := w.run(ctx, req, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(attribute.String("outcome", string(res.State)))
	attrs := metric.WithAttributes(attribute.String("outcome", string(res.State)))
	w.outcomes.Add(ctx, 1, attrs)
	w.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	domain.Publish(w.events, domain.Event{
		Type:      domain.EventVerification,
		Timestamp: time.Now().UTC(),
		Data: domain.VerificationEvent{
			GuildID:       req.GuildID,
			UserID:        req.UserID,
			Claimed:       req.Username,
			CanonicalName: res.CanonicalName,
			Outcome:       string(res.State),
		},
	})

	return res, err
}

func (w *Workflow) run(ctx context.Context, req Request, logger *slog.Logger) (Result, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Result{State: StateInvalidRequest, Reply: msgUsage}, nil
	}
	if req.GuildID == "" {
		return Result{State: StateNotInGuild, Reply: msgNotInGuild}, nil
	}

	if w.locks != nil {
		if !w.locks.tryAcquire(req.GuildID + "/" + req.UserID) {
			logger.Info("verification already in progress")
			return Result{State: StateInProgress, Reply: msgInProgress}, nil
		}
		defer w.locks.release(req.GuildID + "/" + req.UserID)
	}

	// Checked before any network work: a verified user must never reach RCON
	verified, err := w.membership.IsVerified(ctx, req.GuildID, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrRoleMissing) {
			logger.Error("verified role missing", slog.String("error", err.Error()))
			return Result{State: StateMembershipUnavailable, Reply: msgMembershipUnavailable},
				fmt.Errorf("%w: checking membership: %w", ErrInvariant, err)
		}
		logger.Warn("membership check failed", slog.String("error", err.Error()))
		return Result{State: StateMembershipUnavailable, Reply: msgMembershipUnavailable}, nil
	}
	if verified {
		logger.Info("user already verified")
		return Result{State: StateAlreadyVerified, Reply: msgAlreadyVerified}, nil
	}

	profile, err := w.resolver.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			logger.Info("no such profile")
			return Result{State: StateIdentityNotFound, Reply: msgIdentityNotFound(username)}, nil
		}
		logger.Warn("profile lookup failed", slog.String("error", err.Error()))
		return Result{State: StateIdentityUnreachable, Reply: msgIdentityUnreachable}, nil
	}

	// The whitelist matches the canonical name, not what the user typed
	if err := w.allowList.Add(ctx, profile.Name); err != nil {
		logger.Warn("whitelist add failed",
			slog.String("name", profile.Name),
			slog.String("reason", grantFailureReason(err)),
			slog.String("error", err.Error()))
		reply := msgServerOffline
		if errors.Is(err, minecraft.ErrCommand) {
			reply = msgCommandFailed
		}
		return Result{State: StateGrantFailed, Reply: reply}, nil
	}

	if err := w.membership.GrantVerified(ctx, req.GuildID, req.UserID); err != nil {
		// The whitelist already changed; the user is told so, and an admin
		// has to grant the role by hand.
		logger.Error("whitelisted but could not grant verified role",
			slog.String("name", profile.Name),
			slog.String("error", err.Error()))
	}

	logger.Info("added to whitelist", slog.String("name", profile.Name), slog.String("uuid", profile.ID.String()))
	return Result{State: StateGranted, Reply: msgGranted(profile.Name), CanonicalName: profile.Name}, nil
}

func grantFailureReason(err error) string {
	switch {
	case errors.Is(err, minecraft.ErrConnect):
		return "connect"
	case errors.Is(err, minecraft.ErrAuth):
		return "auth"
	case errors.Is(err, minecraft.ErrCommand):
		return "command"
	default:
		return "unknown"
	}
}
