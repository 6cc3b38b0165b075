package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	reasonMuteExpired  = "Temporary mute expired."
	giveawayEndedText  = "This giveaway has ended."
	giveawayFieldTime  = "Time remaining"
	giveawayFooterDone = "Ended"

	// reactionPageSize is the maximum page size for MessageReactions
	reactionPageSize = 100

	// extra member lookups allowed while replacing winners who left
	giveawayExtraTries = 20

	colorMute     = 0xE67E22
	colorUnmute   = 0x2ECC71
	colorGiveaway = 0xF1C40F
	colorSuccess  = 0x2ECC71
	colorError    = 0xE74C3C
	colorInfo     = 0x5865F2
)

// memberPayload identifies a guild member, for the untimeout and role
// removal jobs
type memberPayload struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
}

type giveawayPayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Winners   int    `json:"winners"`
}

type reminderPayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Reminder  string `json:"reminder"`
}

// jobHandlers maps each job kind to the bot's handler for it
func (b *Bot) jobHandlers() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindUntimeout:           b.untimeoutHandler,
		jobs.KindRemoveBirthdayRole:  b.removeBirthdayRoleHandler,
		jobs.KindEndGiveaway:         b.endGiveawayHandler,
		jobs.KindReminder:            b.reminderHandler,
		jobs.KindRemoveNewMemberRole: b.removeNewMemberRoleHandler,
	}
}

// isNotFound reports whether err is a discord 404 (unknown member,
// message, channel...)
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// guildMember returns the member, or nil if they're no longer in the guild
func (b *Bot) guildMember(guildID, userID string) (*discordgo.Member, error) {
	member, err := b.discord.session.GuildMember(guildID, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting member %s: %w", userID, err)
	}
	if member.User == nil {
		member.User = &discordgo.User{ID: userID}
	}
	return member, nil
}

// untimeoutHandler records an UNMUTE case when a temporary mute expires,
// clears the member's timeout and notifies them (via DM, falling back to
// a mention in the public log channel).
func (b *Bot) untimeoutHandler(ctx context.Context, job jobs.Job) error {
	var p memberPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	logger := b.jobLogger(job)

	botUser := b.discord.BotUser()
	c := &Case{
		GuildID: p.GuildID,
		UserID:  p.UserID,
		Type:    CaseTypeUnmute,
		ModID:   botUser.ID,
		ModTag:  botUser.String(),
		Reason:  reasonMuteExpired,
	}
	if err := addCase(ctx, b.db, c); err != nil {
		return err
	}

	member, err := b.guildMember(p.GuildID, p.UserID)
	if err != nil {
		return err
	}
	if member == nil {
		logger.InfoContext(ctx, "member left, skipping unmute", "case", c.Number)
		return nil
	}

	if err = b.discord.session.GuildMemberTimeout(p.GuildID, p.UserID, nil); err != nil {
		return fmt.Errorf("error removing timeout: %w", err)
	}

	guild, err := getGuild(ctx, b.db, p.GuildID)
	if err != nil {
		return err
	}

	embed := unmuteLogEmbed(botUser, member.User, c)
	embed.Author = nil
	embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: member.AvatarURL("")}

	var content string
	if dmErr := b.discord.sendDM(p.UserID, "", embed); dmErr != nil {
		logger.WarnContext(ctx, "couldn't DM unmuted member", tint.Err(dmErr))
		content = member.Mention()
	}
	if guild.ChannelPublicLogs == "" {
		return nil
	}
	if _, err = b.discord.sendEmbed(guild.ChannelPublicLogs, content, embed); err != nil {
		return fmt.Errorf("error posting unmute log: %w", err)
	}
	return nil
}

// reminderHandler DMs the reminder to the member, falling back to
// mentioning them in the channel the reminder was set in.
func (b *Bot) reminderHandler(ctx context.Context, job jobs.Job) error {
	var p reminderPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	logger := b.jobLogger(job)

	member, err := b.guildMember(p.GuildID, p.UserID)
	if err != nil {
		return err
	}
	if member == nil {
		logger.InfoContext(ctx, "member left, dropping reminder")
		return nil
	}

	embed := reminderEmbed(p.Reminder)
	dmErr := b.discord.sendDM(p.UserID, "", embed)
	if dmErr == nil {
		return nil
	}
	logger.WarnContext(ctx, "couldn't DM reminder, using channel", tint.Err(dmErr))

	if _, err = b.discord.sendEmbed(p.ChannelID, member.Mention(), embed); err != nil {
		return fmt.Errorf("error sending reminder: %w", errors.Join(dmErr, err))
	}
	return nil
}

func (b *Bot) removeBirthdayRoleHandler(ctx context.Context, job jobs.Job) error {
	return b.removeRoleHandler(
		ctx, job, func(g Guild) string { return g.RoleBirthday },
	)
}

func (b *Bot) removeNewMemberRoleHandler(ctx context.Context, job jobs.Job) error {
	return b.removeRoleHandler(
		ctx, job, func(g Guild) string { return g.RoleNewMember },
	)
}

// removeRoleHandler removes the role selected from the guild settings.
// Nothing is done if the role isn't configured, or the member left.
func (b *Bot) removeRoleHandler(
	ctx context.Context,
	job jobs.Job,
	role func(g Guild) string,
) error {
	var p memberPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	logger := b.jobLogger(job)

	guild, err := getGuild(ctx, b.db, p.GuildID)
	if err != nil {
		return err
	}
	roleID := role(guild)
	if roleID == "" {
		logger.WarnContext(ctx, "role not configured, skipping")
		return nil
	}

	err = b.discord.session.GuildMemberRoleRemove(p.GuildID, p.UserID, roleID)
	if err != nil {
		if isNotFound(err) {
			logger.InfoContext(ctx, "member or role gone, skipping", "role_id", roleID)
			return nil
		}
		return fmt.Errorf("error removing role: %w", err)
	}
	return nil
}

// endGiveawayHandler marks the giveaway message as ended, draws winners
// from the users who reacted to it and announces them in the channel.
func (b *Bot) endGiveawayHandler(ctx context.Context, job jobs.Job) error {
	var p giveawayPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	logger := b.jobLogger(job)
	session := b.discord.session

	msg, err := session.ChannelMessage(p.ChannelID, p.MessageID)
	if err != nil {
		if isNotFound(err) {
			logger.WarnContext(ctx, "giveaway message gone, skipping")
			return nil
		}
		return fmt.Errorf("error getting giveaway message: %w", err)
	}
	if len(msg.Embeds) == 0 {
		return fmt.Errorf("giveaway message %s has no embed", p.MessageID)
	}

	embed := msg.Embeds[0]
	embed.Footer = &discordgo.MessageEmbedFooter{Text: giveawayFooterDone}
	ended := &discordgo.MessageEmbedField{Name: giveawayFieldTime, Value: giveawayEndedText}
	if len(embed.Fields) > 0 {
		embed.Fields[0] = ended
	} else {
		embed.Fields = []*discordgo.MessageEmbedField{ended}
	}
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	embed.Color = 0

	var entrants []string
	if len(msg.Reactions) > 0 && msg.Reactions[0].Emoji != nil {
		entrants, err = b.reactionUserIDs(p.ChannelID, p.MessageID, msg.Reactions[0].Emoji.APIName())
		if err != nil {
			return err
		}
	}
	botID := b.discord.BotUser().ID
	entrants = slices.DeleteFunc(entrants, func(id string) bool { return id == botID })

	winners, err := b.drawWinners(p.GuildID, entrants, min(p.Winners, len(entrants)))
	if err != nil {
		return err
	}

	giveaway, err := getGiveaway(ctx, b.db, p.MessageID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		giveaway = Giveaway{
			MessageID: p.MessageID,
			ChannelID: p.ChannelID,
			GuildID:   p.GuildID,
			Name:      embed.Title,
			Winners:   p.Winners,
		}
	case err != nil:
		return fmt.Errorf("error getting giveaway: %w", err)
	}
	giveaway.Entries = entrants
	giveaway.PreviousWinners = winners
	giveaway.IsEnded = true
	if err = saveGiveaway(ctx, b.db, &giveaway); err != nil {
		return fmt.Errorf("error saving giveaway: %w", err)
	}

	if _, err = session.ChannelMessageEditEmbed(p.ChannelID, p.MessageID, embed); err != nil {
		return fmt.Errorf("error editing giveaway message: %w", err)
	}
	if err = session.MessageReactionsRemoveAll(p.ChannelID, p.MessageID); err != nil {
		logger.WarnContext(ctx, "error clearing giveaway reactions", tint.Err(err))
	}

	_, err = session.ChannelMessageSend(p.ChannelID, giveawayAnnouncement(giveaway, winners))
	return err
}

// reactionUserIDs returns the IDs of every user who reacted with the
// given emoji, paging through MessageReactions.
func (b *Bot) reactionUserIDs(channelID, messageID, emojiID string) ([]string, error) {
	var ids []string
	var after string
	for {
		users, err := b.discord.session.MessageReactions(
			channelID,
			messageID,
			emojiID,
			reactionPageSize,
			"",
			after,
		)
		if err != nil {
			return nil, fmt.Errorf("error getting reactions: %w", err)
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		if len(users) < reactionPageSize {
			return ids, nil
		}
		after = users[len(users)-1].ID
	}
}

// drawWinners picks up to n distinct entrants who are still guild members.
// Entrants who left are replaced by random picks, up to
// n+giveawayExtraTries lookups overall.
func (b *Bot) drawWinners(guildID string, entrants []string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	sample := slices.Clone(entrants)
	rand.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
	sample = sample[:n]

	winners := make([]string, 0, n)
	tries := 0
	for _, candidate := range sample {
		tries++
		for {
			if !slices.Contains(winners, candidate) {
				member, err := b.guildMember(guildID, candidate)
				if err != nil {
					return nil, err
				}
				if member != nil {
					winners = append(winners, candidate)
					break
				}
			}
			tries++
			if tries > n+giveawayExtraTries {
				return winners, nil
			}
			candidate = entrants[rand.IntN(len(entrants))]
		}
	}
	return winners, nil
}

func giveawayAnnouncement(g Giveaway, winners []string) string {
	if len(winners) == 0 {
		return fmt.Sprintf(
			"No winner was selected for the giveaway of **%s** because nobody entered.",
			g.Name,
		)
	}
	mentions := make([]string, 0, len(winners))
	for _, id := range winners {
		mentions = append(mentions, "<@"+id+">")
	}
	return fmt.Sprintf(
		"Congratulations %s! You won the giveaway of **%s**! Please DM or contact <@%s> to collect.",
		strings.Join(mentions, ", "),
		g.Name,
		g.Sponsor,
	)
}

func reminderEmbed(reminder string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Reminder!",
		Description: "*You wanted me to remind you something... What was it... Oh right*:\n\n" + reminder,
		Color:       rand.IntN(0xFFFFFF + 1),
	}
}

// caseLogEmbed is the moderation log entry posted for a case
func caseLogEmbed(
	title string,
	color int,
	mod *discordgo.User,
	target *discordgo.User,
	c *Case,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: title,
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Member",
				Value:  fmt.Sprintf("%s (<@%s>)", target.String(), target.ID),
				Inline: true,
			},
			{
				Name:   "Mod",
				Value:  fmt.Sprintf("%s (<@%s>)", mod.String(), mod.ID),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Case #" + strconv.Itoa(c.Number) + " | " + target.ID,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if target.Avatar != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    target.String(),
			IconURL: target.AvatarURL(""),
		}
	}
	if c.Punishment != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Duration", Value: c.Punishment, Inline: true},
		)
	}
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{Name: "Reason", Value: c.Reason},
	)
	return embed
}

func unmuteLogEmbed(mod, target *discordgo.User, c *Case) *discordgo.MessageEmbed {
	return caseLogEmbed("Member Unmuted", colorUnmute, mod, target, c)
}

func muteLogEmbed(mod, target *discordgo.User, c *Case) *discordgo.MessageEmbed {
	embed := caseLogEmbed("Member Muted", colorMute, mod, target, c)
	if c.Until != 0 {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Until",
				Value: fmt.Sprintf("<t:%d:F>", time.UnixMilli(c.Until).Unix()),
			},
		)
	}
	return embed
}

func (b *Bot) jobLogger(job jobs.Job) *slog.Logger {
	return b.logger.With("job_id", job.ID, "kind", job.Kind.String())
}
