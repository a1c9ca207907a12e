// Package bootstrap prepares a guild for verification: the Verified role,
// the instruction message, the verify command and a check that the status
// channel exists. Every step is idempotent so it can run on each start.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ernie/mcgate/internal/domain"
)

const (
	RoleColor  = 0x3498DB
	EmbedColor = 0x1F8B4C

	CommandName   = "verify"
	OptionName    = "username"
	instructTitle = "Verification Ready!"
	instructText  = "Type `/verify <username>` to add your minecraft profile to the server whitelist."
	instructFoot  = "Minecraft Verification Bot"
)

// RoleSpec describes a role to create
type RoleSpec struct {
	Name  string
	Color int
	Hoist bool
}

// Embed is a single rich message
type Embed struct {
	Title       string
	Description string
	Footer      string
	Color       int
}

// CommandOption is a string option of a slash command
type CommandOption struct {
	Name        string
	Description string
	Required    bool
}

// Command is a guild-scoped slash command
type Command struct {
	Name        string
	Description string
	Options     []CommandOption
}

// Guild is the set of guild operations bootstrap needs
type Guild interface {
	HasRole(ctx context.Context, name string) (bool, error)
	CreateRole(ctx context.Context, role RoleSpec) error
	ChannelEmpty(ctx context.Context, channelID string) (bool, error)
	SendEmbed(ctx context.Context, channelID string, embed Embed) error
	RegisterCommand(ctx context.Context, cmd Command) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// Options configures Run
type Options struct {
	RoleName        string
	VerifyChannelID string
	StatusChannelID string
	Logger          *slog.Logger
}

// VerifyCommand is the command definition registered in every guild
func VerifyCommand() Command {
	return Command{
		Name:        CommandName,
		Description: "Verify a Minecraft username and add it to the whitelist.",
		Options: []CommandOption{
			{Name: OptionName, Description: "Your Minecraft username", Required: true},
		},
	}
}

// InstructionEmbed is the message posted to an empty verify channel
func InstructionEmbed() Embed {
	return Embed{
		Title:       instructTitle,
		Description: instructText,
		Footer:      instructFoot,
		Color:       EmbedColor,
	}
}

// Run brings the guild to its initialized state. Any error is fatal to the
// caller; nothing is retried here.
func Run(ctx context.Context, guild Guild, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roleName := opts.RoleName
	if roleName == "" {
		roleName = "Verified"
	}

	exists, err := guild.HasRole(ctx, roleName)
	if err != nil {
		return fmt.Errorf("looking up role %q: %w", roleName, err)
	}
	if !exists {
		if err := guild.CreateRole(ctx, RoleSpec{Name: roleName, Color: RoleColor, Hoist: true}); err != nil {
			return fmt.Errorf("creating role %q: %w", roleName, err)
		}
		logger.Info("created role", slog.String("role", roleName))
	}

	empty, err := guild.ChannelEmpty(ctx, opts.VerifyChannelID)
	if err != nil {
		return fmt.Errorf("reading verify channel %s: %w", opts.VerifyChannelID, err)
	}
	if empty {
		if err := guild.SendEmbed(ctx, opts.VerifyChannelID, InstructionEmbed()); err != nil {
			return fmt.Errorf("sending instructions to %s: %w", opts.VerifyChannelID, err)
		}
		logger.Info("posted verification instructions", slog.String("channel_id", opts.VerifyChannelID))
	}

	if err := guild.RegisterCommand(ctx, VerifyCommand()); err != nil {
		return fmt.Errorf("registering /%s: %w", CommandName, err)
	}

	ok, err := guild.ChannelExists(ctx, opts.StatusChannelID)
	if err != nil {
		return fmt.Errorf("checking status channel %s: %w", opts.StatusChannelID, err)
	}
	if !ok {
		return fmt.Errorf("status channel %s: %w", opts.StatusChannelID, domain.ErrChannelMissing)
	}

	logger.Info("guild ready")
	return nil
}
