package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"

	"github.com/ernie/mcgate/internal/bootstrap"
	"github.com/ernie/mcgate/internal/verify"
)

// Verifier runs one verification request
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Result, error)
}

// Responder answers interactions. *discordgo.Session implements it.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// BotOptions configures a Bot
type BotOptions struct {
	Verifier Verifier
	// OnReady runs once, SettleDelay after the first Ready event. An error
	// is reported on Fatal.
	OnReady          func(ctx context.Context) error
	SettleDelay      time.Duration
	OpenRetryTimeout time.Duration
	Logger           *slog.Logger
}

// Bot owns the gateway session and dispatches verify commands
type Bot struct {
	session          *discordgo.Session
	verifier         Verifier
	onReady          func(ctx context.Context) error
	settleDelay      time.Duration
	openRetryTimeout time.Duration
	logger           *slog.Logger

	fatal     chan error
	readyOnce sync.Once
	inflight  sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	closed bool
}

// NewSession creates a bot session that only asks for guild events. REST
// calls work on it before the gateway is opened.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	return session, nil
}

// NewBot attaches handlers to session. The gateway is not opened until Run.
func NewBot(session *discordgo.Session, opts BotOptions) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		session:          session,
		verifier:         opts.Verifier,
		onReady:          opts.OnReady,
		settleDelay:      opts.SettleDelay,
		openRetryTimeout: opts.OpenRetryTimeout,
		logger:           logger,
		fatal:            make(chan error, 1),
		ctx:              context.Background(),
	}
	session.AddHandler(b.handleReady)
	session.AddHandler(b.handleInteraction)
	return b
}

// Fatal delivers invariant violations raised inside event handlers
func (b *Bot) Fatal() <-chan error { return b.fatal }

func (b *Bot) fail(err error) {
	select {
	case b.fatal <- err:
	default:
	}
}

func (b *Bot) baseContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

// Run opens the gateway and blocks until ctx is done. Verifications that
// already started are not cancelled; Run waits for them before returning.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.openRetryTimeout
	err := backoff.RetryNotify(b.session.Open, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		b.logger.Warn("gateway connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait))
	})
	if err != nil {
		return fmt.Errorf("opening gateway: %w", err)
	}
	b.logger.Info("gateway connected")

	<-ctx.Done()

	// No new dispatches past this point, so Wait never races an Add
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	// Stop receiving events, then let running verifications reply over REST
	if err := b.session.Close(); err != nil {
		b.logger.Warn("closing gateway", slog.String("error", err.Error()))
	}
	b.inflight.Wait()
	return nil
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("gateway ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
	b.readyOnce.Do(func() {
		if b.onReady == nil {
			return
		}
		go b.runReady(b.baseContext())
	})
}

func (b *Bot) runReady(ctx context.Context) {
	// Give the guild cache a moment after Ready before touching REST
	select {
	case <-ctx.Done():
		return
	case <-time.After(b.settleDelay):
	}
	if err := b.onReady(ctx); err != nil {
		b.fail(fmt.Errorf("bootstrap: %w", err))
	}
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.ApplicationCommandData().Name != bootstrap.CommandName {
		return
	}
	ctx, ok := b.begin()
	if !ok {
		b.logger.Debug("shutting down, dropping interaction", slog.String("interaction_id", i.ID))
		return
	}
	defer b.inflight.Done()
	b.dispatch(ctx, s, i.Interaction)
}

// begin registers one in-flight dispatch. It reports false once Run has
// started shutting down.
func (b *Bot) begin() (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	b.inflight.Add(1)
	return b.ctx, true
}

// dispatch runs the workflow for one interaction. discordgo already calls
// each handler on its own goroutine.
//
// The workflow keeps ctx's values but not its cancellation: once the
// whitelist has changed the role grant must still go through, so shutdown
// only stops new interactions.
func (b *Bot) dispatch(ctx context.Context, r Responder, i *discordgo.Interaction) {
	ctx = context.WithoutCancel(ctx)
	req, ok := decodeRequest(i)
	logger := b.logger.With(slog.String("interaction_id", i.ID))
	if !ok {
		logger.Warn("malformed verify payload", slog.String("user_id", req.UserID))
	}

	// Defer first: Mojang and RCON together can exceed the 3s reply window
	err := r.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		logger.Warn("could not acknowledge interaction", slog.String("error", err.Error()))
		return
	}

	res, verr := b.verifier.Verify(ctx, req)

	reply := res.Reply
	if _, err := r.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		logger.Warn("could not send reply",
			slog.String("state", string(res.State)),
			slog.String("error", err.Error()))
	}

	if verr != nil {
		b.fail(verr)
	}
}

// decodeRequest pulls the verify arguments out of an interaction. A missing
// or non-string username yields an empty Username and ok=false; the
// workflow answers that with usage help.
func decodeRequest(i *discordgo.Interaction) (verify.Request, bool) {
	req := verify.Request{GuildID: i.GuildID}
	switch {
	case i.Member != nil && i.Member.User != nil:
		req.UserID = i.Member.User.ID
	case i.User != nil:
		req.UserID = i.User.ID
	}

	data, ok := i.Data.(discordgo.ApplicationCommandInteractionData)
	if !ok {
		return req, false
	}
	for _, opt := range data.Options {
		if opt == nil || opt.Name != bootstrap.OptionName {
			continue
		}
		if opt.Type != discordgo.ApplicationCommandOptionString {
			return req, false
		}
		name, ok := opt.Value.(string)
		if !ok {
			return req, false
		}
		req.Username = name
		return req, true
	}
	return req, false
}
