package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	// maxTimeout is the longest timeout discord accepts
	maxTimeout = 28 * 24 * time.Hour

	birthdayDuration = 24 * time.Hour
	giveawayEmoji    = "🎉"
)

var (
	ErrTimeoutTooLong        = errors.New("timeouts can't be longer than 28 days")
	ErrReminderTooLong       = errors.New("reminder is too long")
	ErrRoleNotConfigured     = errors.New("role not configured")
	ErrBirthdayAlreadyActive = errors.New("member already has the birthday role")
	ErrNotMuted              = errors.New("member isn't muted")
	ErrMemberNotFound        = errors.New("member not found")
	ErrInvalidWinners        = errors.New("giveaway needs at least one winner")
)

// TimeoutMember times out a member for d, records a MUTE case and
// schedules the timeout's removal. An existing mute is replaced, along
// with its scheduled unmute.
func (b *Bot) TimeoutMember(
	ctx context.Context,
	mod *discordgo.User,
	guildID string,
	userID string,
	d time.Duration,
	reason string,
) (*Case, error) {
	if d > maxTimeout {
		return nil, ErrTimeoutTooLong
	}
	member, err := b.guildMember(guildID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}

	until := time.Now().Add(d).UTC()
	if err = b.discord.session.GuildMemberTimeout(guildID, userID, &until); err != nil {
		return nil, fmt.Errorf("error setting timeout: %w", err)
	}

	id := jobs.NewID(jobs.KindUntimeout, userID)
	if err = b.scheduler.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return nil, fmt.Errorf("error cancelling previous unmute: %w", err)
	}
	_, err = b.scheduler.Schedule(
		ctx,
		jobs.Spec{
			ID:      id,
			Kind:    jobs.KindUntimeout,
			FireAt:  until,
			Payload: memberPayload{GuildID: guildID, UserID: userID},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error scheduling unmute: %w", err)
	}

	c := &Case{
		GuildID:    guildID,
		UserID:     userID,
		Type:       CaseTypeMute,
		ModID:      mod.ID,
		ModTag:     mod.String(),
		Reason:     reason,
		Punishment: humanizeDuration(d),
		Until:      until.UnixMilli(),
	}
	if err = addCase(ctx, b.db, c); err != nil {
		return nil, err
	}

	b.publishCase(ctx, guildID, member, muteLogEmbed(mod, member.User, c))
	return c, nil
}

// RemoveTimeout lifts a member's timeout before it expires, cancelling
// the scheduled unmute and recording an UNMUTE case.
func (b *Bot) RemoveTimeout(
	ctx context.Context,
	mod *discordgo.User,
	guildID string,
	userID string,
	reason string,
) (*Case, error) {
	member, err := b.guildMember(guildID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}

	cancelErr := b.scheduler.Cancel(ctx, jobs.NewID(jobs.KindUntimeout, userID))
	switch {
	case errors.Is(cancelErr, jobs.ErrNotFound):
		if member.CommunicationDisabledUntil == nil ||
			member.CommunicationDisabledUntil.Before(time.Now()) {
			return nil, ErrNotMuted
		}
	case cancelErr != nil:
		return nil, fmt.Errorf("error cancelling unmute: %w", cancelErr)
	}

	if err = b.discord.session.GuildMemberTimeout(guildID, userID, nil); err != nil {
		return nil, fmt.Errorf("error removing timeout: %w", err)
	}

	c := &Case{
		GuildID: guildID,
		UserID:  userID,
		Type:    CaseTypeUnmute,
		ModID:   mod.ID,
		ModTag:  mod.String(),
		Reason:  reason,
	}
	if err = addCase(ctx, b.db, c); err != nil {
		return nil, err
	}
	b.publishCase(ctx, guildID, member, unmuteLogEmbed(mod, member.User, c))
	return c, nil
}

// publishCase DMs the case log to the member and posts it to the public
// log channel, mentioning the member if the DM couldn't be sent.
func (b *Bot) publishCase(
	ctx context.Context,
	guildID string,
	member *discordgo.Member,
	embed *discordgo.MessageEmbed,
) {
	logger := b.logger.With(columnGuildID, guildID, columnUserID, member.User.ID)

	var content string
	if err := b.discord.sendDM(member.User.ID, "", embed); err != nil {
		logger.WarnContext(ctx, "couldn't DM case log", tint.Err(err))
		content = member.Mention()
	}

	guild, err := getGuild(ctx, b.db, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild", tint.Err(err))
		return
	}
	if guild.ChannelPublicLogs == "" {
		return
	}
	if _, err = b.discord.sendEmbed(guild.ChannelPublicLogs, content, embed); err != nil {
		logger.ErrorContext(ctx, "error posting case log", tint.Err(err))
	}
}

// GiveBirthdayRole grants the birthday role for a day. It returns
// ErrBirthdayAlreadyActive if the role's removal is already scheduled.
func (b *Bot) GiveBirthdayRole(
	ctx context.Context,
	guildID string,
	userID string,
) (jobs.Job, error) {
	guild, err := getGuild(ctx, b.db, guildID)
	if err != nil {
		return jobs.Job{}, err
	}
	if guild.RoleBirthday == "" {
		return jobs.Job{}, fmt.Errorf("%w: birthday", ErrRoleNotConfigured)
	}

	id := jobs.NewID(jobs.KindRemoveBirthdayRole, userID)
	if _, err = b.scheduler.Get(id); err == nil {
		return jobs.Job{}, ErrBirthdayAlreadyActive
	}

	err = b.discord.session.GuildMemberRoleAdd(guildID, userID, guild.RoleBirthday)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("error adding birthday role: %w", err)
	}

	job, err := b.scheduler.Schedule(
		ctx,
		jobs.Spec{
			ID:      id,
			Kind:    jobs.KindRemoveBirthdayRole,
			FireAt:  time.Now().Add(birthdayDuration),
			Payload: memberPayload{GuildID: guildID, UserID: userID},
		},
	)
	if errors.Is(err, jobs.ErrDuplicateID) {
		return jobs.Job{}, ErrBirthdayAlreadyActive
	}
	return job, err
}

// RemoveBirthdayRole removes the birthday role early, cancelling its
// scheduled removal.
func (b *Bot) RemoveBirthdayRole(
	ctx context.Context,
	guildID string,
	userID string,
) error {
	guild, err := getGuild(ctx, b.db, guildID)
	if err != nil {
		return err
	}
	if guild.RoleBirthday == "" {
		return fmt.Errorf("%w: birthday", ErrRoleNotConfigured)
	}

	id := jobs.NewID(jobs.KindRemoveBirthdayRole, userID)
	if err = b.scheduler.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("error cancelling birthday role removal: %w", err)
	}
	return b.discord.session.GuildMemberRoleRemove(guildID, userID, guild.RoleBirthday)
}

// StartGiveaway posts the giveaway embed, reacts to it so members can
// enter, saves the Giveaway and schedules its end.
func (b *Bot) StartGiveaway(
	ctx context.Context,
	guildID string,
	channelID string,
	name string,
	sponsorID string,
	winners int,
	d time.Duration,
) (*Giveaway, error) {
	if winners < 1 {
		return nil, ErrInvalidWinners
	}
	endTime := time.Now().Add(d).UTC()

	embed := &discordgo.MessageEmbed{
		Title:       name,
		Description: fmt.Sprintf("React with %s to enter!", giveawayEmoji),
		Color:       colorGiveaway,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   giveawayFieldTime,
				Value:  fmt.Sprintf("<t:%d:R>", endTime.Unix()),
				Inline: true,
			},
			{Name: "Winners", Value: strconv.Itoa(winners), Inline: true},
			{Name: "Sponsored by", Value: "<@" + sponsorID + ">", Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Ends"},
		Timestamp: endTime.Format(time.RFC3339),
	}

	msg, err := b.discord.sendEmbed(channelID, "", embed)
	if err != nil {
		return nil, fmt.Errorf("error sending giveaway: %w", err)
	}
	if err = b.discord.session.MessageReactionAdd(channelID, msg.ID, giveawayEmoji); err != nil {
		return nil, fmt.Errorf("error adding giveaway reaction: %w", err)
	}

	g := &Giveaway{
		MessageID: msg.ID,
		ChannelID: channelID,
		GuildID:   guildID,
		Name:      name,
		Sponsor:   sponsorID,
		Winners:   winners,
		EndsAt:    endTime.UnixMilli(),
	}
	if err = saveGiveaway(ctx, b.db, g); err != nil {
		return nil, fmt.Errorf("error saving giveaway: %w", err)
	}

	_, err = b.scheduler.Schedule(
		ctx,
		jobs.Spec{
			ID:     jobs.NewID(jobs.KindEndGiveaway, msg.ID),
			Kind:   jobs.KindEndGiveaway,
			FireAt: endTime,
			Payload: giveawayPayload{
				GuildID:   guildID,
				ChannelID: channelID,
				MessageID: msg.ID,
				Winners:   winners,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error scheduling giveaway end: %w", err)
	}
	return g, nil
}

// RemindMe schedules a reminder for the user. Users can have any number
// of reminders pending, each gets a unique ID.
func (b *Bot) RemindMe(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
	reminder string,
	d time.Duration,
) (jobs.Job, error) {
	if utf8.RuneCountInString(reminder) > DefaultReminderMaxLength {
		return jobs.Job{}, fmt.Errorf(
			"%w (max %d characters)",
			ErrReminderTooLong,
			DefaultReminderMaxLength,
		)
	}
	return b.scheduler.Schedule(
		ctx,
		jobs.Spec{
			ID:     jobs.NewID(jobs.KindReminder, userID, uuid.NewString()),
			Kind:   jobs.KindReminder,
			FireAt: time.Now().Add(d),
			Payload: reminderPayload{
				GuildID:   guildID,
				ChannelID: channelID,
				UserID:    userID,
				Reminder:  reminder,
			},
		},
	)
}

// OnMemberJoin grants the new member role and schedules its removal.
// If the member rejoined before a previous removal fired, that removal
// is replaced.
func (b *Bot) OnMemberJoin(ctx context.Context, m *discordgo.Member) error {
	if m == nil || m.User == nil || m.User.Bot {
		return nil
	}
	guild, err := getGuild(ctx, b.db, m.GuildID)
	if err != nil {
		return err
	}
	if guild.RoleNewMember == "" {
		return nil
	}

	err = b.discord.session.GuildMemberRoleAdd(m.GuildID, m.User.ID, guild.RoleNewMember)
	if err != nil {
		return fmt.Errorf("error adding new member role: %w", err)
	}

	id := jobs.NewID(jobs.KindRemoveNewMemberRole, m.User.ID)
	if err = b.scheduler.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("error cancelling previous role removal: %w", err)
	}
	_, err = b.scheduler.Schedule(
		ctx,
		jobs.Spec{
			ID:      id,
			Kind:    jobs.KindRemoveNewMemberRole,
			FireAt:  time.Now().Add(b.config.NewMemberRoleDuration),
			Payload: memberPayload{GuildID: m.GuildID, UserID: m.User.ID},
		},
	)
	return err
}
