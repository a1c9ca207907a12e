package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/mcgate/internal/bootstrap"
	"github.com/ernie/mcgate/internal/domain"
	"github.com/ernie/mcgate/internal/testutil"
	"github.com/ernie/mcgate/internal/verify"
)

type fakeREST struct {
	mu       sync.Mutex
	channels map[string]*discordgo.Channel
	roles    []*discordgo.Role
	members  map[string]*discordgo.Member
	messages map[string][]*discordgo.Message

	renames  []string
	embeds   []*discordgo.MessageEmbed
	created  []*discordgo.RoleParams
	roleAdds []string
	commands []*discordgo.ApplicationCommand
	cmdApp   string
	cmdGuild string
}

func newFakeREST() *fakeREST {
	return &fakeREST{
		channels: map[string]*discordgo.Channel{
			"100": {ID: "100", GuildID: "g1", Name: "verify"},
			"200": {ID: "200", GuildID: "g1", Name: "general"},
		},
		roles:    []*discordgo.Role{{ID: "r-admin", Name: "Admin"}},
		members:  map[string]*discordgo.Member{"u1": {Roles: []string{"r-admin"}}},
		messages: map[string][]*discordgo.Message{},
	}
}

func unknownChannel() error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel, Message: "Unknown Channel"},
	}
}

func (f *fakeREST) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return &discordgo.User{ID: "app-1", Username: "mcgate"}, nil
}

func (f *fakeREST) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, unknownChannel()
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeREST) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, unknownChannel()
	}
	ch.Name = data.Name
	f.renames = append(f.renames, data.Name)
	return ch, nil
}

func (f *fakeREST) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	if _, ok := f.channels[channelID]; !ok {
		return nil, unknownChannel()
	}
	msgs := f.messages[channelID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeREST) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.embeds = append(f.embeds, embed)
	msg := &discordgo.Message{ChannelID: channelID, Embeds: []*discordgo.MessageEmbed{embed}}
	f.messages[channelID] = append(f.messages[channelID], msg)
	return msg, nil
}

func (f *fakeREST) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return f.roles, nil
}

func (f *fakeREST) GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error) {
	f.created = append(f.created, data)
	role := &discordgo.Role{ID: "r-" + data.Name, Name: data.Name}
	f.roles = append(f.roles, role)
	return role, nil
}

func (f *fakeREST) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	m, ok := f.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return m, nil
}

func (f *fakeREST) GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error {
	f.roleAdds = append(f.roleAdds, userID+":"+roleID)
	if m, ok := f.members[userID]; ok {
		m.Roles = append(m.Roles, roleID)
	}
	return nil
}

func (f *fakeREST) ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	f.cmdApp, f.cmdGuild = appID, guildID
	f.commands = append(f.commands, cmd)
	return cmd, nil
}

func resolve(t *testing.T, rest *fakeREST) *Guild {
	t.Helper()
	g, err := ResolveGuild(context.Background(), rest, GuildOptions{
		RoleName:        "Verified",
		VerifyChannelID: "100",
		StatusChannelID: "200",
	})
	require.NoError(t, err)
	return g
}

func TestResolveGuild(t *testing.T) {
	rest := newFakeREST()
	g := resolve(t, rest)
	assert.Equal(t, "g1", g.ID())

	_, err := ResolveGuild(context.Background(), rest, GuildOptions{VerifyChannelID: "999"})
	assert.ErrorIs(t, err, domain.ErrChannelMissing)
}

func TestMembership(t *testing.T) {
	rest := newFakeREST()
	g := resolve(t, rest)
	ctx := context.Background()

	_, err := g.IsVerified(ctx, "g1", "u1")
	require.ErrorIs(t, err, domain.ErrRoleMissing)

	rest.roles = append(rest.roles, &discordgo.Role{ID: "r-v", Name: "Verified"})

	ok, err := g.IsVerified(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.GrantVerified(ctx, "g1", "u1"))
	assert.Equal(t, []string{"u1:r-v"}, rest.roleAdds)

	ok, err = g.IsVerified(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = g.IsVerified(ctx, "g1", "nobody")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRoleMissing)
}

func TestDisplay(t *testing.T) {
	rest := newFakeREST()
	g := resolve(t, rest)
	ctx := context.Background()

	label, err := g.CurrentLabel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "general", label)

	require.NoError(t, g.SetLabel(ctx, "🎮 Players online: 3 🎮"))
	label, err = g.CurrentLabel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "🎮 Players online: 3 🎮", label)

	delete(rest.channels, "200")
	_, err = g.CurrentLabel(ctx)
	assert.ErrorIs(t, err, domain.ErrChannelMissing)
}

func TestTextChannelName(t *testing.T) {
	assert.Equal(t, "🎮-players-online-3-🎮", TextChannelName("🎮 Players online: 3 🎮"))
	assert.Equal(t, "🛑-server-offline-🛑", TextChannelName("🛑 Server offline 🛑"))
	assert.Equal(t, "a-b_c", TextChannelName("  A -- b_c!  "))

	var g *Guild
	assert.Equal(t, TextChannelName("3/20 online"), g.NormalizeLabel("3/20 online"))
}

func TestGuildBootstrap(t *testing.T) {
	rest := newFakeREST()
	g := resolve(t, rest)
	opts := bootstrap.Options{
		RoleName:        "Verified",
		VerifyChannelID: "100",
		StatusChannelID: "200",
		Logger:          testutil.NopLogger(),
	}

	require.NoError(t, bootstrap.Run(context.Background(), g, opts))
	require.NoError(t, bootstrap.Run(context.Background(), g, opts))

	require.Len(t, rest.created, 1)
	assert.Equal(t, "Verified", rest.created[0].Name)
	assert.Equal(t, 0x3498DB, *rest.created[0].Color)
	assert.True(t, *rest.created[0].Hoist)

	require.Len(t, rest.embeds, 1)
	assert.Equal(t, "Verification Ready!", rest.embeds[0].Title)
	assert.Equal(t, "Minecraft Verification Bot", rest.embeds[0].Footer.Text)

	require.Len(t, rest.commands, 2)
	assert.Equal(t, "app-1", rest.cmdApp)
	assert.Equal(t, "g1", rest.cmdGuild)
	cmd := rest.commands[0]
	assert.Equal(t, "verify", cmd.Name)
	require.Len(t, cmd.Options, 1)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, cmd.Options[0].Type)
	assert.True(t, cmd.Options[0].Required)

	delete(rest.channels, "200")
	err := bootstrap.Run(context.Background(), g, opts)
	assert.ErrorIs(t, err, domain.ErrChannelMissing)
}

func TestChannelExistsOtherGuild(t *testing.T) {
	rest := newFakeREST()
	rest.channels["300"] = &discordgo.Channel{ID: "300", GuildID: "g2"}
	g := resolve(t, rest)

	ok, err := g.ChannelExists(context.Background(), "300")
	require.NoError(t, err)
	assert.False(t, ok)
}

func commandInteraction(opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:      "i-1",
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: "g1",
		Member:  &discordgo.Member{User: &discordgo.User{ID: "u1"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    "verify",
			Options: opts,
		},
	}
}

func TestDecodeRequest(t *testing.T) {
	req, ok := decodeRequest(commandInteraction(&discordgo.ApplicationCommandInteractionDataOption{
		Name: "username", Type: discordgo.ApplicationCommandOptionString, Value: "notch",
	}))
	assert.True(t, ok)
	assert.Equal(t, verify.Request{GuildID: "g1", UserID: "u1", Username: "notch"}, req)

	_, ok = decodeRequest(commandInteraction())
	assert.False(t, ok, "missing option")

	req, ok = decodeRequest(commandInteraction(&discordgo.ApplicationCommandInteractionDataOption{
		Name: "username", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(7),
	}))
	assert.False(t, ok, "wrong type")
	assert.Empty(t, req.Username)

	_, ok = decodeRequest(commandInteraction(&discordgo.ApplicationCommandInteractionDataOption{
		Name: "username", Type: discordgo.ApplicationCommandOptionString, Value: 7,
	}))
	assert.False(t, ok, "mismatched value")

	dm := commandInteraction()
	dm.GuildID = ""
	dm.Member = nil
	dm.User = &discordgo.User{ID: "u2"}
	req, _ = decodeRequest(dm)
	assert.Equal(t, "u2", req.UserID)
	assert.Empty(t, req.GuildID)
}

type fakeResponder struct {
	mu      sync.Mutex
	acks    []*discordgo.InteractionResponse
	edits   []string
	ackErr  error
	editErr error
}

func (f *fakeResponder) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, resp)
	return f.ackErr
}

func (f *fakeResponder) InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, *newresp.Content)
	return &discordgo.Message{}, f.editErr
}

type fakeVerifier struct {
	got []verify.Request
	res verify.Result
	err error
}

func (f *fakeVerifier) Verify(ctx context.Context, req verify.Request) (verify.Result, error) {
	f.got = append(f.got, req)
	return f.res, f.err
}

func testBot(v Verifier) *Bot {
	return &Bot{
		verifier: v,
		logger:   testutil.NopLogger(),
		fatal:    make(chan error, 1),
		ctx:      context.Background(),
	}
}

func TestDispatchRepliesEphemerally(t *testing.T) {
	v := &fakeVerifier{res: verify.Result{State: verify.StateGranted, Reply: "'Notch' was successfully added to the whitelist!"}}
	b := testBot(v)
	r := &fakeResponder{}

	b.dispatch(context.Background(), r, commandInteraction(&discordgo.ApplicationCommandInteractionDataOption{
		Name: "username", Type: discordgo.ApplicationCommandOptionString, Value: "notch",
	}))

	require.Len(t, r.acks, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, r.acks[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, r.acks[0].Data.Flags)
	assert.Equal(t, []string{"'Notch' was successfully added to the whitelist!"}, r.edits)
	require.Len(t, v.got, 1)
	assert.Equal(t, "notch", v.got[0].Username)
	assert.Empty(t, b.Fatal())
}

func TestDispatchMalformedStillReplies(t *testing.T) {
	v := &fakeVerifier{res: verify.Result{State: verify.StateInvalidRequest, Reply: "usage"}}
	b := testBot(v)
	r := &fakeResponder{}

	b.dispatch(context.Background(), r, commandInteraction())

	require.Len(t, v.got, 1)
	assert.Empty(t, v.got[0].Username)
	assert.Equal(t, []string{"usage"}, r.edits)
}

func TestDispatchInvariantIsFatal(t *testing.T) {
	v := &fakeVerifier{
		res: verify.Result{State: verify.StateMembershipUnavailable, Reply: "try later"},
		err: verify.ErrInvariant,
	}
	b := testBot(v)
	r := &fakeResponder{}

	b.dispatch(context.Background(), r, commandInteraction())

	assert.Equal(t, []string{"try later"}, r.edits)
	select {
	case err := <-b.Fatal():
		assert.ErrorIs(t, err, verify.ErrInvariant)
	default:
		t.Fatal("expected fatal error")
	}
}

func TestDispatchAckFailureSkipsWorkflow(t *testing.T) {
	v := &fakeVerifier{}
	b := testBot(v)
	r := &fakeResponder{ackErr: errors.New("unknown interaction")}

	b.dispatch(context.Background(), r, commandInteraction())

	assert.Empty(t, v.got)
	assert.Empty(t, r.edits)
}

type staticResolver struct{}

func (staticResolver) Lookup(ctx context.Context, username string) (*domain.Profile, error) {
	return &domain.Profile{Name: "Notch"}, nil
}

// shutdownAllowList cancels the serving context as soon as the whitelist
// has changed, the way a SIGTERM landing mid-verification would.
type shutdownAllowList struct {
	cancel context.CancelFunc
	added  []string
}

func (a *shutdownAllowList) Add(ctx context.Context, name string) error {
	a.added = append(a.added, name)
	a.cancel()
	return nil
}

// ctxMembership fails on a done context like discordgo.WithContext does
type ctxMembership struct {
	granted []string
}

func (m *ctxMembership) IsVerified(ctx context.Context, guildID, userID string) (bool, error) {
	return false, ctx.Err()
}

func (m *ctxMembership) GrantVerified(ctx context.Context, guildID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.granted = append(m.granted, userID)
	return nil
}

func TestShutdownMidVerifyStillGrantsRole(t *testing.T) {
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allow := &shutdownAllowList{cancel: cancel}
	members := &ctxMembership{}
	wf := verify.New(verify.Options{
		Resolver:   staticResolver{},
		AllowList:  allow,
		Membership: members,
		Logger:     testutil.NopLogger(),
	})
	b := testBot(wf)
	b.ctx = serveCtx
	r := &fakeResponder{}

	ctx, ok := b.begin()
	require.True(t, ok)
	b.dispatch(ctx, r, commandInteraction(&discordgo.ApplicationCommandInteractionDataOption{
		Name: "username", Type: discordgo.ApplicationCommandOptionString, Value: "notch",
	}))
	b.inflight.Done()

	require.ErrorIs(t, serveCtx.Err(), context.Canceled)
	assert.Equal(t, []string{"Notch"}, allow.added)
	assert.Equal(t, []string{"u1"}, members.granted, "whitelist and role must not diverge")
	assert.Equal(t, []string{"'Notch' was successfully added to the whitelist!"}, r.edits)
	assert.Empty(t, b.Fatal())
}

func TestInteractionsRefusedAfterShutdown(t *testing.T) {
	v := &fakeVerifier{}
	b := testBot(v)

	_, ok := b.begin()
	require.True(t, ok)
	b.inflight.Done()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	_, ok = b.begin()
	assert.False(t, ok)

	b.handleInteraction(nil, &discordgo.InteractionCreate{Interaction: commandInteraction()})
	assert.Empty(t, v.got)

	waited := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("refused interaction left a pending dispatch")
	}
}

func TestReadyRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 2)

	b := testBot(nil)
	b.onReady = func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return errors.New("missing permissions")
	}

	ready := &discordgo.Ready{User: &discordgo.User{Username: "mcgate"}}
	b.handleReady(nil, ready)
	b.handleReady(nil, ready)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady not called")
	}

	select {
	case err := <-b.Fatal():
		assert.ErrorContains(t, err, "bootstrap")
	case <-time.After(2 * time.Second):
		t.Fatal("expected bootstrap failure on Fatal")
	}

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestNewSession(t *testing.T) {
	_, err := NewSession("")
	assert.Error(t, err)

	s, err := NewSession("abc")
	require.NoError(t, err)
	assert.Equal(t, "Bot abc", s.Token)
	assert.Equal(t, discordgo.IntentsGuilds, s.Identify.Intents)

	b := NewBot(s, BotOptions{})
	assert.NotNil(t, b.Fatal())
}
