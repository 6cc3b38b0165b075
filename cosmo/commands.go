package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

const (
	commandRemindMe = "remindme"
	commandMute     = "mute"
	commandUnmute   = "unmute"
	commandBirthday = "birthday"
	commandGiveaway = "giveaway"
	commandChatGPT  = "chatgpt"

	commandCaseStats = "casestats"
	commandPing      = "ping"
	commandStats     = "stats"

	subcommandGive   = "give"
	subcommandRemove = "remove"
	subcommandReset  = "reset"

	subcommandMod     = "mod"
	subcommandKeyword = "keyword"

	optionMember   = "member"
	optionDuration = "duration"
	optionReason   = "reason"
	optionReminder = "reminder"
	optionName     = "name"
	optionWinners  = "winners"
	optionSponsor  = "sponsor"
	optionChannel  = "channel"
	optionMod      = "mod"
	optionKeyword  = "keyword"

	defaultReason = "No reason."
)

var (
	permModerateMembers = int64(discordgo.PermissionModerateMembers)
	permManageRoles     = int64(discordgo.PermissionManageRoles)
	permManageMessages  = int64(discordgo.PermissionManageMessages)
	dmPermission        = false
)

// ephemeralCommands reply only to the member that invoked them
var ephemeralCommands = map[string]bool{
	commandRemindMe:  true,
	commandChatGPT:   true,
	commandCaseStats: true,
}

// commandHandler handles a slash command, returning the embed to edit the
// deferred response with.
type commandHandler func(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	subcommand string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error)

// appCommands returns the guild slash commands
func appCommands() []*discordgo.ApplicationCommand {
	minReminder := 1
	minWinners := 1.0

	memberOpt := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        optionMember,
			Description: description,
			Required:    true,
		}
	}
	durationOpt := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionDuration,
			Description: description + " (ex: 30m, 1h, 2d, 1w)",
			Required:    true,
		}
	}
	reasonOpt := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionReason,
		Description: "Reason for the action",
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:         commandRemindMe,
			Description:  "Have the bot remind you about something",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionReminder,
					Description: "What to remind you about",
					Required:    true,
					MinLength:   &minReminder,
					MaxLength:   DefaultReminderMaxLength,
				},
				durationOpt("When to remind you"),
			},
		},
		{
			Name:                     commandMute,
			Description:              "Timeout a member",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &permModerateMembers,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				memberOpt("Member to mute"),
				durationOpt("How long to mute them for"),
				reasonOpt,
			},
		},
		{
			Name:                     commandUnmute,
			Description:              "Remove a member's timeout",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &permModerateMembers,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				memberOpt("Member to unmute"),
				reasonOpt,
			},
		},
		{
			Name:                     commandBirthday,
			Description:              "Manage the birthday role",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &permManageRoles,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandGive,
					Description: "Give a member the birthday role for a day",
					Options: []*discordgo.ApplicationCommandOption{
						memberOpt("Birthday member"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandRemove,
					Description: "Remove a member's birthday role",
					Options: []*discordgo.ApplicationCommandOption{
						memberOpt("Member to remove the role from"),
					},
				},
			},
		},
		{
			Name:                     commandGiveaway,
			Description:              "Start a giveaway",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &permManageMessages,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionName,
					Description: "What's being given away",
					Required:    true,
				},
				durationOpt("How long the giveaway runs"),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionWinners,
					Description: "Number of winners",
					Required:    true,
					MinValue:    &minWinners,
				},
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionSponsor,
					Description: "Who winners should contact (defaults to you)",
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         optionChannel,
					Description:  "Channel to post the giveaway in (defaults to this one)",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
			},
		},
		{
			Name:         commandChatGPT,
			Description:  "Interact with ChatGPT",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandReset,
					Description: "Reset your ChatGPT context",
				},
			},
		},
		{
			Name:                     commandCaseStats,
			Description:              "Case statistics",
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &permModerateMembers,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandMod,
					Description: "Present statistics on cases by a mod",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        optionMod,
							Description: "Moderator to view statistics of (defaults to you)",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionKeyword,
							Description: "Keyword to search for",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandKeyword,
					Description: "Present statistics of cases for all mods",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        optionKeyword,
							Description: "Keyword to search for",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:         commandPing,
			Description:  "Test the bot's latency",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
		},
		{
			Name:         commandStats,
			Description:  "Statistics about the bot",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
		},
	}
}

func (b *Bot) commandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		commandRemindMe:  b.commandRemindMe,
		commandMute:      b.commandMute,
		commandUnmute:    b.commandUnmute,
		commandBirthday:  b.commandBirthday,
		commandGiveaway:  b.commandGiveaway,
		commandChatGPT:   b.commandChatGPT,
		commandCaseStats: b.commandCaseStats,
		commandPing:      b.commandPing,
		commandStats:     b.commandStats,
	}
}

// handleInteraction routes application command interactions to their
// handler. The response is deferred before the handler runs, then edited
// with the result. Errors are always shown ephemerally.
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	logger := b.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	if i.Type != discordgo.InteractionApplicationCommand || interactionUser(i) == nil {
		logger.DebugContext(ctx, "ignoring interaction")
		return
	}
	data := i.ApplicationCommandData()
	logger = logger.With("command", data.Name)

	handler, ok := b.commandHandlers()[data.Name]
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		b.respond(ctx, i, "Unknown command.", true)
		return
	}

	ephemeral := ephemeralCommands[data.Name]
	if err := b.deferResponse(i, ephemeral); err != nil {
		logger.ErrorContext(ctx, "error deferring interaction response", tint.Err(err))
		return
	}

	ctx = WithLogger(ctx, logger)
	subcommand, options := discordInteractionOptions(i)
	embed, err := handler(ctx, i, subcommand, options)
	if err != nil {
		logger.WarnContext(ctx, "command failed", tint.Err(err))
		b.respondError(ctx, i, commandErrorMessage(err), ephemeral)
		return
	}
	logger.InfoContext(ctx, "command finished", "reply", embed.Description)
	b.editResponse(ctx, i, embed)
}

// successEmbed is the reply to a command that did what was asked
func successEmbed(format string, args ...any) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: fmt.Sprintf(format, args...),
		Color:       colorSuccess,
	}
}

// commandErrorMessage shows user-facing errors as-is, anything else as
// a generic failure
func commandErrorMessage(err error) string {
	for _, known := range []error{
		ErrInvalidDuration,
		ErrTimeoutTooLong,
		ErrReminderTooLong,
		ErrRoleNotConfigured,
		ErrBirthdayAlreadyActive,
		ErrNotMuted,
		ErrMemberNotFound,
		ErrInvalidWinners,
		ErrGuildNotConfigured,
		errChatGPTDisabled,
		errMissingOption,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "Something went wrong, try again later."
}

// respond replies to the interaction immediately
func (b *Bot) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

func (b *Bot) contextLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	return b.logger
}

// deferResponse acknowledges the interaction, showing "thinking..." until
// the response is edited. Ephemeral must be decided here, as edits can't
// change it.
func (b *Bot) deferResponse(i *discordgo.InteractionCreate, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return b.discord.session.InteractionRespond(i.Interaction, resp)
}

func (b *Bot) editResponse(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
) {
	embeds := []*discordgo.MessageEmbed{embed}
	_, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Embeds: &embeds},
	)
	if err != nil {
		b.contextLogger(ctx).ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

// respondError replaces the deferred response with an ephemeral error.
// A public deferred response is deleted and the error sent as an
// ephemeral followup instead, falling back to editing the public response
// if it can't be deleted.
func (b *Bot) respondError(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	message string,
	ephemeral bool,
) {
	embed := &discordgo.MessageEmbed{
		Title:       "An error occurred!",
		Description: message,
		Color:       colorError,
	}
	if ephemeral {
		b.editResponse(ctx, i, embed)
		return
	}

	logger := b.contextLogger(ctx)
	if err := b.discord.session.InteractionResponseDelete(i.Interaction); err != nil {
		logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
		b.editResponse(ctx, i, embed)
		return
	}
	_, err := b.discord.session.FollowupMessageCreate(
		i.Interaction,
		true,
		&discordgo.WebhookParams{
			Flags:  discordgo.MessageFlagsEphemeral,
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending interaction followup", tint.Err(err))
	}
}

var errMissingOption = errors.New("missing required option")

func stringOption(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	if o, ok := options[name]; ok {
		return o.StringValue()
	}
	return ""
}

func userOption(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) (*discordgo.User, error) {
	o, ok := options[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errMissingOption, name)
	}
	return o.UserValue(nil), nil
}

func reasonOption(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	if r := stringOption(options, optionReason); r != "" {
		return r
	}
	return defaultReason
}

func (b *Bot) commandRemindMe(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	_ string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	d, err := ParseDuration(stringOption(options, optionDuration))
	if err != nil {
		return nil, err
	}
	reminder := stringOption(options, optionReminder)
	if reminder == "" {
		return nil, fmt.Errorf("%w: %s", errMissingOption, optionReminder)
	}
	job, err := b.RemindMe(ctx, i.GuildID, i.ChannelID, interactionUser(i).ID, reminder, d)
	if err != nil {
		return nil, err
	}
	return successEmbed("We'll remind you <t:%d:R>.", job.FireTime().Unix()), nil
}

func (b *Bot) commandMute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	_ string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	member, err := userOption(options, optionMember)
	if err != nil {
		return nil, err
	}
	d, err := ParseDuration(stringOption(options, optionDuration))
	if err != nil {
		return nil, err
	}
	c, err := b.TimeoutMember(ctx, interactionUser(i), i.GuildID, member.ID, d, reasonOption(options))
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"<@%s> was muted for %s (case #%d).",
		member.ID,
		c.Punishment,
		c.Number,
	), nil
}

func (b *Bot) commandUnmute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	_ string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	member, err := userOption(options, optionMember)
	if err != nil {
		return nil, err
	}
	c, err := b.RemoveTimeout(ctx, interactionUser(i), i.GuildID, member.ID, reasonOption(options))
	if err != nil {
		return nil, err
	}
	return successEmbed("<@%s> was unmuted (case #%d).", member.ID, c.Number), nil
}

func (b *Bot) commandBirthday(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	subcommand string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	member, err := userOption(options, optionMember)
	if err != nil {
		return nil, err
	}
	switch subcommand {
	case subcommandGive:
		job, err := b.GiveBirthdayRole(ctx, i.GuildID, member.ID)
		if err != nil {
			return nil, err
		}
		return successEmbed(
			"Happy birthday <@%s>! The role will be removed <t:%d:R>.",
			member.ID,
			job.FireTime().Unix(),
		), nil
	case subcommandRemove:
		if err = b.RemoveBirthdayRole(ctx, i.GuildID, member.ID); err != nil {
			return nil, err
		}
		return successEmbed("Removed the birthday role from <@%s>.", member.ID), nil
	default:
		return nil, fmt.Errorf("%w: subcommand", errMissingOption)
	}
}

func (b *Bot) commandGiveaway(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	_ string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	name := stringOption(options, optionName)
	if name == "" {
		return nil, fmt.Errorf("%w: %s", errMissingOption, optionName)
	}
	d, err := ParseDuration(stringOption(options, optionDuration))
	if err != nil {
		return nil, err
	}
	var winners int
	if o, ok := options[optionWinners]; ok {
		winners = int(o.IntValue())
	}

	sponsor := interactionUser(i)
	if o, ok := options[optionSponsor]; ok {
		sponsor = o.UserValue(nil)
	}
	channelID := i.ChannelID
	if o, ok := options[optionChannel]; ok {
		channelID = o.ChannelValue(nil).ID
	}

	g, err := b.StartGiveaway(ctx, i.GuildID, channelID, name, sponsor.ID, winners, d)
	if err != nil {
		return nil, err
	}
	return successEmbed(
		"Giveaway started in <#%s>, ending <t:%d:R>.",
		g.ChannelID,
		g.EndTime().Unix(),
	), nil
}

var errChatGPTDisabled = errors.New("ChatGPT isn't enabled")

func (b *Bot) commandChatGPT(
	_ context.Context,
	i *discordgo.InteractionCreate,
	subcommand string,
	_ map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	if subcommand != subcommandReset {
		return nil, fmt.Errorf("%w: subcommand", errMissingOption)
	}
	if b.chatGPT == nil {
		return nil, errChatGPTDisabled
	}
	b.chatGPT.Reset(interactionUser(i).ID)
	return successEmbed("Reset your ChatGPT context!"), nil
}
