// Package discord adapts a discordgo session to the interfaces used by the
// verification workflow, the status loop and bootstrap.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/ernie/mcgate/internal/bootstrap"
	"github.com/ernie/mcgate/internal/domain"
)

// REST is the subset of *discordgo.Session the adapter calls
type REST interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
}

// Guild is one Discord guild seen through REST calls. Nothing is cached:
// roles, members and channel names are fetched on every call.
type Guild struct {
	rest            REST
	id              string
	appID           string
	roleName        string
	statusChannelID string
}

// GuildOptions configures ResolveGuild
type GuildOptions struct {
	RoleName        string
	VerifyChannelID string
	StatusChannelID string
}

// ResolveGuild finds the guild that owns the verify channel and the
// application the bot token belongs to.
func ResolveGuild(ctx context.Context, rest REST, opts GuildOptions) (*Guild, error) {
	ch, err := rest.Channel(opts.VerifyChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching verify channel %s: %w", opts.VerifyChannelID, classify(err))
	}
	if ch.GuildID == "" {
		return nil, fmt.Errorf("verify channel %s is not in a guild: %w", opts.VerifyChannelID, domain.ErrChannelMissing)
	}

	me, err := rest.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching bot user: %w", err)
	}

	return NewGuild(rest, ch.GuildID, me.ID, opts.RoleName, opts.StatusChannelID), nil
}

// NewGuild creates a Guild for a known guild and application ID
func NewGuild(rest REST, guildID, appID, roleName, statusChannelID string) *Guild {
	if roleName == "" {
		roleName = "Verified"
	}
	return &Guild{
		rest:            rest,
		id:              guildID,
		appID:           appID,
		roleName:        roleName,
		statusChannelID: statusChannelID,
	}
}

// ID returns the guild ID
func (g *Guild) ID() string { return g.id }

func (g *Guild) findRole(ctx context.Context, guildID, name string) (*discordgo.Role, error) {
	roles, err := g.rest.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, nil
}

// IsVerified reports whether the member holds the Verified role
func (g *Guild) IsVerified(ctx context.Context, guildID, userID string) (bool, error) {
	role, err := g.findRole(ctx, guildID, g.roleName)
	if err != nil {
		return false, err
	}
	if role == nil {
		return false, fmt.Errorf("role %q in guild %s: %w", g.roleName, guildID, domain.ErrRoleMissing)
	}

	member, err := g.rest.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetching member %s: %w", userID, err)
	}
	return slices.Contains(member.Roles, role.ID), nil
}

// GrantVerified adds the Verified role to the member
func (g *Guild) GrantVerified(ctx context.Context, guildID, userID string) error {
	role, err := g.findRole(ctx, guildID, g.roleName)
	if err != nil {
		return err
	}
	if role == nil {
		return fmt.Errorf("role %q in guild %s: %w", g.roleName, guildID, domain.ErrRoleMissing)
	}
	if err := g.rest.GuildMemberRoleAdd(guildID, userID, role.ID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("adding role to %s: %w", userID, err)
	}
	return nil
}

// CurrentLabel returns the status channel's name
func (g *Guild) CurrentLabel(ctx context.Context) (string, error) {
	ch, err := g.rest.Channel(g.statusChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching status channel: %w", classify(err))
	}
	return ch.Name, nil
}

// SetLabel renames the status channel
func (g *Guild) SetLabel(ctx context.Context, label string) error {
	_, err := g.rest.ChannelEdit(g.statusChannelID, &discordgo.ChannelEdit{Name: label}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("renaming status channel: %w", classify(err))
	}
	return nil
}

// NormalizeLabel returns the name Discord stores when a text channel is
// renamed to label. Voice and stage channels keep the label as given.
func (g *Guild) NormalizeLabel(label string) string {
	return TextChannelName(label)
}

// TextChannelName lower-cases name, turns whitespace runs into a single dash
// and drops ASCII punctuation other than '_'. Emoji are kept.
func TextChannelName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsSpace(r) || r == '-':
			dash = b.Len() > 0
		case r < utf8.RuneSelf && r != '_' && (unicode.IsPunct(r) || unicode.IsSymbol(r)):
		default:
			if dash {
				b.WriteByte('-')
				dash = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasRole reports whether a role with that name exists
func (g *Guild) HasRole(ctx context.Context, name string) (bool, error) {
	role, err := g.findRole(ctx, g.id, name)
	return role != nil, err
}

// CreateRole creates a role in the guild
func (g *Guild) CreateRole(ctx context.Context, role bootstrap.RoleSpec) error {
	color := role.Color
	hoist := role.Hoist
	_, err := g.rest.GuildRoleCreate(g.id, &discordgo.RoleParams{
		Name:  role.Name,
		Color: &color,
		Hoist: &hoist,
	}, discordgo.WithContext(ctx))
	return err
}

// ChannelEmpty reports whether the channel has no messages
func (g *Guild) ChannelEmpty(ctx context.Context, channelID string) (bool, error) {
	msgs, err := g.rest.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return false, classify(err)
	}
	return len(msgs) == 0, nil
}

// SendEmbed posts a single embed
func (g *Guild) SendEmbed(ctx context.Context, channelID string, embed bootstrap.Embed) error {
	_, err := g.rest.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title:       embed.Title,
		Description: embed.Description,
		Color:       embed.Color,
		Footer:      &discordgo.MessageEmbedFooter{Text: embed.Footer},
	}, discordgo.WithContext(ctx))
	return err
}

// RegisterCommand creates or overwrites a guild command
func (g *Guild) RegisterCommand(ctx context.Context, cmd bootstrap.Command) error {
	_, err := g.rest.ApplicationCommandCreate(g.appID, g.id, toApplicationCommand(cmd), discordgo.WithContext(ctx))
	return err
}

// ChannelExists reports whether a channel exists in this guild
func (g *Guild) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	ch, err := g.rest.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrChannelMissing) {
			return false, nil
		}
		return false, err
	}
	return ch.GuildID == g.id, nil
}

func toApplicationCommand(cmd bootstrap.Command) *discordgo.ApplicationCommand {
	out := &discordgo.ApplicationCommand{
		Name:        cmd.Name,
		Description: cmd.Description,
	}
	for _, o := range cmd.Options {
		out.Options = append(out.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
		})
	}
	return out
}

// classify maps "unknown channel" REST failures onto domain.ErrChannelMissing
func classify(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
		return fmt.Errorf("%w: %w", domain.ErrChannelMissing, err)
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", domain.ErrChannelMissing, err)
	}
	return err
}
