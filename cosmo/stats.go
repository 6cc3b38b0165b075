package cosmo

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"runtime"
	"strings"
	"time"
)

const (
	// caseStatsTopReasons is how many reasons /casestats mod lists
	caseStatsTopReasons = 5

	// caseStatsTopMods is how many moderators /casestats keyword lists
	caseStatsTopMods = 10

	// caseStatsFieldLength caps case list fields, below discord's 1024
	caseStatsFieldLength = 1000

	noCases = "No cases"
)

func (b *Bot) commandCaseStats(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	subcommand string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	switch subcommand {
	case subcommandMod:
		mod := interactionUser(i)
		if o, ok := options[optionMod]; ok {
			mod = o.UserValue(nil)
		}
		return b.modCaseStatsEmbed(ctx, i.GuildID, mod, stringOption(options, optionKeyword))
	case subcommandKeyword:
		keyword := stringOption(options, optionKeyword)
		if keyword == "" {
			return nil, fmt.Errorf("%w: %s", errMissingOption, optionKeyword)
		}
		return b.keywordCaseStatsEmbed(ctx, i.GuildID, keyword)
	default:
		return nil, fmt.Errorf("%w: subcommand", errMissingOption)
	}
}

// modCaseStatsEmbed lists a moderator's most common case reasons or, with
// a keyword, the reasons containing it.
func (b *Bot) modCaseStatsEmbed(
	ctx context.Context,
	guildID string,
	mod *discordgo.User,
	keyword string,
) (*discordgo.MessageEmbed, error) {
	counts, total, err := modCaseStats(ctx, b.db, guildID, mod.ID)
	if err != nil {
		return nil, err
	}

	name := mod.Username
	if name == "" {
		name = mod.ID
	}
	embed := &discordgo.MessageEmbed{
		Color:  colorInfo,
		Author: &discordgo.MessageEmbedAuthor{Name: name + "'s case statistics"},
		Footer: &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%d total cases", total)},
	}

	if keyword == "" {
		top := counts[:min(len(counts), caseStatsTopReasons)]
		if len(top) > 0 {
			embed.Fields = append(
				embed.Fields,
				&discordgo.MessageEmbedField{Name: "Top reasons", Value: caseCountList(top, nil)},
			)
		}
		return embed, nil
	}

	keyword = strings.ToLower(keyword)
	var matched []caseCount
	for _, c := range counts {
		if strings.Contains(c.Label, keyword) {
			matched = append(matched, c)
		}
	}
	reasons := truncate(caseCountList(matched, nil), caseStatsFieldLength)
	if reasons == "" {
		reasons = noCases
	}
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{
			Name: "Cases found by keyword",
			Value: fmt.Sprintf(
				"**%s** was found in **%d** of <@%s>'s cases",
				keyword,
				sumCaseCounts(matched),
				mod.ID,
			),
		},
		&discordgo.MessageEmbedField{Name: "Case reasons", Value: reasons},
	)
	return embed, nil
}

// keywordCaseStatsEmbed lists the moderators with the most cases whose
// reason contains keyword
func (b *Bot) keywordCaseStatsEmbed(
	ctx context.Context,
	guildID string,
	keyword string,
) (*discordgo.MessageEmbed, error) {
	counts, total, err := keywordCaseStats(ctx, b.db, guildID, keyword)
	if err != nil {
		return nil, err
	}
	mods := truncate(
		caseCountList(
			counts[:min(len(counts), caseStatsTopMods)],
			func(label string) string { return "<@" + label + ">" },
		),
		caseStatsFieldLength,
	)
	if mods == "" {
		mods = noCases
	}
	return &discordgo.MessageEmbed{
		Color:  colorInfo,
		Author: &discordgo.MessageEmbedAuthor{Name: "Case keyword statistics"},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Keyword", Value: strings.ToLower(keyword)},
			{Name: "Moderators", Value: mods},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("%d total cases", total)},
	}, nil
}

// caseCountList renders one "**label**: count" line per case count
func caseCountList(counts []caseCount, label func(string) string) string {
	var sb strings.Builder
	for _, c := range counts {
		l := c.Label
		if label != nil {
			l = label(l)
		}
		fmt.Fprintf(&sb, "**%s**: %d\n", l, c.Total)
	}
	return sb.String()
}

func (b *Bot) commandPing(
	_ context.Context,
	i *discordgo.InteractionCreate,
	_ string,
	_ map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	embed := &discordgo.MessageEmbed{Title: "Pong!", Color: colorInfo}
	if created, err := discordgo.SnowflakeTimestamp(i.ID); err == nil {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Message Latency",
				Value:  formatLatency(time.Since(created)),
				Inline: true,
			},
		)
	}
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{
			Name:   "API Latency",
			Value:  formatLatency(b.discord.session.HeartbeatLatency()),
			Inline: true,
		},
	)
	return embed, nil
}

func formatLatency(d time.Duration) string {
	return fmt.Sprintf("`%sms`", humanize.Comma(max(d, 0).Milliseconds()))
}

func (b *Bot) commandStats(
	_ context.Context,
	_ *discordgo.InteractionCreate,
	_ string,
	_ map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (*discordgo.MessageEmbed, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	inline := func(name, value string) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true}
	}
	embed := &discordgo.MessageEmbed{
		Title: b.discord.BotUser().Username + " Statistics",
		Color: colorInfo,
		Fields: []*discordgo.MessageEmbedField{
			inline("Bot started", fmt.Sprintf("<t:%d:R>", b.startedAt.Unix())),
			inline("Memory Usage", humanize.IBytes(mem.Sys)),
			inline("Go Version", runtime.Version()),
			inline("Goroutines", humanize.Comma(int64(runtime.NumGoroutine()))),
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Version " + Version},
	}
	if b.scheduler != nil {
		embed.Fields = append(
			embed.Fields,
			inline("Scheduled Jobs", humanize.Comma(int64(b.scheduler.Stats().Pending))),
		)
	}
	return embed, nil
}
