package cosmo

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func testMod() *discordgo.User {
	return &discordgo.User{ID: testModID, Username: "moderator"}
}

func TestTimeoutMember(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	c, err := b.TimeoutMember(ctx, testMod(), testGuildID, testUserID, time.Hour, "spam")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Number)
	assert.Equal(t, CaseTypeMute, c.Type)
	assert.Equal(t, "1h", c.Punishment)
	assert.Equal(t, testModID, c.ModID)

	until, ok := session.timeout(testUserID)
	require.True(t, ok)
	require.NotNil(t, until)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *until, 5*time.Second)

	job, err := b.scheduler.Get(jobs.NewID(jobs.KindUntimeout, testUserID))
	require.NoError(t, err)
	assert.Equal(t, until.UnixMilli(), job.FireAt)
	assert.Equal(t, c.Until, job.FireAt)

	var p memberPayload
	require.NoError(t, job.DecodePayload(&p))
	assert.Equal(t, memberPayload{GuildID: testGuildID, UserID: testUserID}, p)

	dms := session.dmsTo(testUserID)
	require.Len(t, dms, 1)
	assert.Equal(t, "Member Muted", dms[0].Embeds[0].Title)
	assert.Len(t, session.sentTo(testChannelPublicLogs), 1)
}

// Muting an already muted member replaces the scheduled unmute
func TestTimeoutMember_Replace(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	_, err := b.TimeoutMember(ctx, testMod(), testGuildID, testUserID, time.Hour, "spam")
	require.NoError(t, err)
	c, err := b.TimeoutMember(ctx, testMod(), testGuildID, testUserID, 3*time.Hour, "more spam")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Number)

	assert.Len(t, b.scheduler.Pending(), 1)
	job, err := b.scheduler.Get(jobs.NewID(jobs.KindUntimeout, testUserID))
	require.NoError(t, err)
	assert.Equal(t, c.Until, job.FireAt)
}

func TestTimeoutMember_TooLong(t *testing.T) {
	b, session := newTestBot(t)
	session.addMember(testGuildID, testUserID)

	_, err := b.TimeoutMember(
		context.Background(),
		testMod(),
		testGuildID,
		testUserID,
		29*24*time.Hour,
		"spam",
	)
	assert.ErrorIs(t, err, ErrTimeoutTooLong)
	assert.Empty(t, b.scheduler.Pending())
}

func TestTimeoutMember_NotAMember(t *testing.T) {
	b, _ := newTestBot(t)
	_, err := b.TimeoutMember(context.Background(), testMod(), testGuildID, testUserID, time.Hour, "")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

// The unmute fires once the timeout expires
func TestTimeoutMember_Expires(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	_, err := b.TimeoutMember(ctx, testMod(), testGuildID, testUserID, 200*time.Millisecond, "spam")
	require.NoError(t, err)

	assert.Eventually(
		t,
		func() bool {
			until, ok := session.timeout(testUserID)
			return ok && until == nil
		},
		5*time.Second,
		20*time.Millisecond,
	)
	assert.Eventually(
		t,
		func() bool {
			cases, err := userCases(ctx, b.db, testGuildID, testUserID)
			return err == nil && len(cases) == 2 && cases[0].Type == CaseTypeUnmute
		},
		5*time.Second,
		20*time.Millisecond,
	)
	assert.Empty(t, b.scheduler.Pending())
}

func TestRemoveTimeout(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	_, err := b.TimeoutMember(ctx, testMod(), testGuildID, testUserID, time.Hour, "spam")
	require.NoError(t, err)

	c, err := b.RemoveTimeout(ctx, testMod(), testGuildID, testUserID, "appealed")
	require.NoError(t, err)
	assert.Equal(t, CaseTypeUnmute, c.Type)
	assert.Equal(t, 2, c.Number)

	until, ok := session.timeout(testUserID)
	assert.True(t, ok)
	assert.Nil(t, until)

	_, err = b.scheduler.Get(jobs.NewID(jobs.KindUntimeout, testUserID))
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestRemoveTimeout_NotMuted(t *testing.T) {
	b, session := newTestBot(t)
	session.addMember(testGuildID, testUserID)

	_, err := b.RemoveTimeout(context.Background(), testMod(), testGuildID, testUserID, "")
	assert.ErrorIs(t, err, ErrNotMuted)
}

// A timeout set outside the bot (no scheduled unmute) can still be lifted
func TestRemoveTimeout_ExternalTimeout(t *testing.T) {
	b, session := newTestBot(t)
	member := session.addMember(testGuildID, testUserID)
	until := time.Now().Add(time.Hour)
	member.CommunicationDisabledUntil = &until

	c, err := b.RemoveTimeout(context.Background(), testMod(), testGuildID, testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, CaseTypeUnmute, c.Type)
}

func TestGiveBirthdayRole(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	job, err := b.GiveBirthdayRole(ctx, testGuildID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, jobs.NewID(jobs.KindRemoveBirthdayRole, testUserID), job.ID)
	assert.WithinDuration(t, time.Now().Add(birthdayDuration), job.FireTime(), 5*time.Second)
	assert.Equal(
		t,
		[]roleCall{{UserID: testUserID, RoleID: testRoleBirthday}},
		session.addedRoles(),
	)

	_, err = b.GiveBirthdayRole(ctx, testGuildID, testUserID)
	assert.ErrorIs(t, err, ErrBirthdayAlreadyActive)
	assert.Len(t, session.addedRoles(), 1)
}

func TestRemoveBirthdayRole(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	_, err := b.GiveBirthdayRole(ctx, testGuildID, testUserID)
	require.NoError(t, err)
	require.NoError(t, b.RemoveBirthdayRole(ctx, testGuildID, testUserID))

	assert.Empty(t, b.scheduler.Pending())
	assert.Equal(
		t,
		[]roleCall{{UserID: testUserID, RoleID: testRoleBirthday}},
		session.removedRoles(),
	)

	// the role can be given again once removed
	_, err = b.GiveBirthdayRole(ctx, testGuildID, testUserID)
	assert.NoError(t, err)
}

func TestGiveBirthdayRole_NotConfigured(t *testing.T) {
	b, session := newTestBot(t)
	session.addMember(testGuildID, testUserID)
	require.NoError(t, b.db.Model(&Guild{ID: testGuildID}).Update("role_birthday", "").Error)

	_, err := b.GiveBirthdayRole(context.Background(), testGuildID, testUserID)
	assert.ErrorIs(t, err, ErrRoleNotConfigured)
}

func TestStartGiveaway(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()

	g, err := b.StartGiveaway(ctx, testGuildID, testChannelGeneral, "Nitro", testModID, 2, time.Hour)
	require.NoError(t, err)

	msgs := session.sentTo(testChannelGeneral)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Nitro", msgs[0].Embeds[0].Title)

	session.mu.Lock()
	assert.Equal(t, []string{giveawayEmoji}, session.reactionsAdded[g.MessageID])
	session.mu.Unlock()

	job, err := b.scheduler.Get(jobs.NewID(jobs.KindEndGiveaway, g.MessageID))
	require.NoError(t, err)
	assert.Equal(t, g.EndsAt, job.FireAt)

	var p giveawayPayload
	require.NoError(t, job.DecodePayload(&p))
	assert.Equal(t, 2, p.Winners)
	assert.Equal(t, g.MessageID, p.MessageID)

	saved, err := getGiveaway(ctx, b.db, g.MessageID)
	require.NoError(t, err)
	assert.Equal(t, testModID, saved.Sponsor)
	assert.False(t, saved.IsEnded)

	_, err = b.StartGiveaway(ctx, testGuildID, testChannelGeneral, "Nitro", testModID, 0, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidWinners)
}

func TestRemindMe(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	session.addMember(testGuildID, testUserID)

	first, err := b.RemindMe(ctx, testGuildID, testChannelGeneral, testUserID, "one", time.Hour)
	require.NoError(t, err)
	second, err := b.RemindMe(ctx, testGuildID, testChannelGeneral, testUserID, "two", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, strings.HasPrefix(first.ID, jobs.NewID(jobs.KindReminder, testUserID)))
	assert.Len(t, b.scheduler.Pending(), 2)

	_, err = b.RemindMe(
		ctx,
		testGuildID,
		testChannelGeneral,
		testUserID,
		strings.Repeat("a", DefaultReminderMaxLength+1),
		time.Hour,
	)
	assert.ErrorIs(t, err, ErrReminderTooLong)
}

func TestRemindMe_Fires(t *testing.T) {
	b, session := newTestBot(t)
	session.addMember(testGuildID, testUserID)

	_, err := b.RemindMe(
		context.Background(),
		testGuildID,
		testChannelGeneral,
		testUserID,
		"drink water",
		100*time.Millisecond,
	)
	require.NoError(t, err)

	assert.Eventually(
		t,
		func() bool { return len(session.dmsTo(testUserID)) == 1 },
		5*time.Second,
		20*time.Millisecond,
	)
	assert.Contains(t, session.dmsTo(testUserID)[0].Embeds[0].Description, "drink water")
	assert.Eventually(
		t,
		func() bool { return b.scheduler.Stats().Fired == 1 },
		5*time.Second,
		20*time.Millisecond,
	)
}

func TestOnMemberJoin(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	member := session.addMember(testGuildID, testUserID)

	require.NoError(t, b.OnMemberJoin(ctx, member))
	assert.Equal(
		t,
		[]roleCall{{UserID: testUserID, RoleID: testRoleNewMember}},
		session.addedRoles(),
	)
	first, err := b.scheduler.Get(jobs.NewID(jobs.KindRemoveNewMemberRole, testUserID))
	require.NoError(t, err)
	assert.WithinDuration(
		t,
		time.Now().Add(b.config.NewMemberRoleDuration),
		first.FireTime(),
		5*time.Second,
	)

	// rejoining replaces the pending removal
	require.NoError(t, b.OnMemberJoin(ctx, member))
	assert.Len(t, b.scheduler.Pending(), 1)
	assert.Len(t, session.addedRoles(), 2)
}

func TestOnMemberJoin_IgnoresBots(t *testing.T) {
	b, session := newTestBot(t)
	member := session.addMember(testGuildID, testUserID)
	member.User.Bot = true

	require.NoError(t, b.OnMemberJoin(context.Background(), member))
	assert.Empty(t, session.addedRoles())
	assert.Empty(t, b.scheduler.Pending())
}
