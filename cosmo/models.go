package cosmo

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"strings"
	"time"
)

const (
	columnGuildID     = "guild_id"
	columnGuildCaseID = "case_id"
	columnUserID      = "user_id"
	columnMessageID   = "message_id"

	// DefaultFirstCaseID is the case number assigned to a guild's first case
	DefaultFirstCaseID = 1
)

var ErrGuildNotConfigured = errors.New("guild not configured (run 'cosmo init')")

// Guild holds the per-guild settings seeded by 'cosmo init', along with
// the case number counter and the admin API credentials.
//
//nolint:lll // struct tags can't be split
type Guild struct {
	ID string `gorm:"primaryKey" json:"id"`

	// CaseID is the number assigned to the next Case
	CaseID int `gorm:"not null;default:1" json:"case_id"`

	RoleBirthday      string `json:"role_birthday"`
	RoleNewMember     string `json:"role_new_member"`
	ChannelPublicLogs string `json:"channel_public_logs"`
	ChannelChatGPT    string `json:"channel_chatgpt"`

	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"-" log:"[redacted]"`

	ModelUnixTime
}

func (g Guild) LogValue() slog.Value {
	return structToSlogValue(g)
}

// CaseType is the moderation action a Case records
type CaseType string

const (
	CaseTypeMute   CaseType = "MUTE"
	CaseTypeUnmute CaseType = "UNMUTE"
)

// Case is a moderation log entry for a member
type Case struct {
	ModelUintID
	ModelUnixTime

	// Number is the guild-wide case number, taken from Guild.CaseID
	Number  int      `gorm:"not null;index" json:"number"`
	GuildID string   `gorm:"not null;index" json:"guild_id"`
	UserID  string   `gorm:"not null;index" json:"user_id"`
	Type    CaseType `gorm:"not null" json:"type"`
	ModID   string   `json:"mod_id"`
	ModTag  string   `json:"mod_tag"`
	Reason  string   `json:"reason"`

	// Punishment is a human-readable duration, for mutes
	Punishment string `json:"punishment,omitempty"`

	// Until is when a mute expires, in unix milliseconds
	Until int64 `json:"until,omitempty"`
}

// Giveaway records a giveaway message and, once ended, its entrants and
// winners.
//
//nolint:lll // struct tags can't be split
type Giveaway struct {
	MessageID       string   `gorm:"primaryKey" json:"message_id"`
	ChannelID       string   `gorm:"not null" json:"channel_id"`
	GuildID         string   `gorm:"not null;index" json:"guild_id"`
	Name            string   `gorm:"not null" json:"name"`
	Sponsor         string   `json:"sponsor"`
	Winners         int      `gorm:"not null" json:"winners"`
	EndsAt          int64    `gorm:"not null" json:"ends_at"`
	Entries         []string `gorm:"serializer:json" json:"entries"`
	PreviousWinners []string `gorm:"serializer:json" json:"previous_winners"`
	IsEnded         bool     `json:"is_ended"`

	ModelUnixTime
}

// EndTime returns EndsAt as a UTC time.Time
func (g Giveaway) EndTime() time.Time {
	return time.UnixMilli(g.EndsAt).UTC()
}

func getGuild(ctx context.Context, db *gorm.DB, guildID string) (Guild, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var g Guild
	err := db.WithContext(ctx).Take(&g, "id = ?", guildID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return g, fmt.Errorf("%w: %s", ErrGuildNotConfigured, guildID)
	}
	return g, err
}

// addCase assigns the guild's next case number to c, increments the
// counter and saves the case, in a single transaction.
func addCase(ctx context.Context, db *gorm.DB, c *Case) error {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var g Guild
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Take(&g, "id = ?", c.GuildID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", ErrGuildNotConfigured, c.GuildID)
				}
				return err
			}
			c.Number = g.CaseID
			if err := tx.Model(&g).Update(
				columnGuildCaseID,
				gorm.Expr(columnGuildCaseID+" + ?", 1),
			).Error; err != nil {
				return fmt.Errorf("error incrementing case id: %w", err)
			}
			if err := tx.Create(c).Error; err != nil {
				return fmt.Errorf("error creating case: %w", err)
			}
			return nil
		},
	)
}

// userCases returns the cases recorded for a user, most recent first
func userCases(ctx context.Context, db *gorm.DB, guildID, userID string) ([]Case, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var cases []Case
	err := db.WithContext(ctx).
		Where(columnGuildID+" = ? AND "+columnUserID+" = ?", guildID, userID).
		Order("number desc").
		Find(&cases).Error
	return cases, err
}

func getGiveaway(ctx context.Context, db *gorm.DB, messageID string) (Giveaway, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var g Giveaway
	err := db.WithContext(ctx).Take(&g, columnMessageID+" = ?", messageID).Error
	return g, err
}

func saveGiveaway(ctx context.Context, db *gorm.DB, g *Giveaway) error {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	return db.WithContext(ctx).Save(g).Error
}

// caseCount is a row of a grouped case count
type caseCount struct {
	Label string
	Total int
}

// modCaseStats counts a moderator's cases by (lowercased) reason, most
// common first, along with the moderator's total number of cases.
func modCaseStats(
	ctx context.Context,
	db *gorm.DB,
	guildID, modID string,
) ([]caseCount, int, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var counts []caseCount
	err := db.WithContext(ctx).Model(&Case{}).
		Select("LOWER(reason) AS label, COUNT(*) AS total").
		Where(columnGuildID+" = ? AND mod_id = ?", guildID, modID).
		Group("LOWER(reason)").
		Order("total desc, label").
		Scan(&counts).Error
	if err != nil {
		return nil, 0, err
	}
	return counts, sumCaseCounts(counts), nil
}

// keywordCaseStats counts the cases whose reason contains keyword
// (case-insensitive) by moderator ID, most cases first, along with the
// number of matching cases.
func keywordCaseStats(
	ctx context.Context,
	db *gorm.DB,
	guildID, keyword string,
) ([]caseCount, int, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var counts []caseCount
	err := db.WithContext(ctx).Model(&Case{}).
		Select("mod_id AS label, COUNT(*) AS total").
		Where(
			columnGuildID+` = ? AND LOWER(reason) LIKE ? ESCAPE '\'`,
			guildID,
			"%"+likeEscaper.Replace(strings.ToLower(keyword))+"%",
		).
		Group("mod_id").
		Order("total desc, label").
		Scan(&counts).Error
	if err != nil {
		return nil, 0, err
	}
	return counts, sumCaseCounts(counts), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func sumCaseCounts(counts []caseCount) int {
	var total int
	for _, c := range counts {
		total += c.Total
	}
	return total
}
