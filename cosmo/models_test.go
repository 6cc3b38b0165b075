package cosmo

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"sync"
	"testing"
	"time"
)

func newTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	cfg := DefaultTestConfig(t)
	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	require.NoError(t, db.Create(newTestGuild(t)).Error)
	return db
}

func TestGetGuild(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	g, err := getGuild(ctx, db, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testRoleBirthday, g.RoleBirthday)
	assert.Equal(t, DefaultFirstCaseID, g.CaseID)

	_, err = getGuild(ctx, db, "nope")
	assert.ErrorIs(t, err, ErrGuildNotConfigured)
}

func TestAddCase(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	first := &Case{GuildID: testGuildID, UserID: testUserID, Type: CaseTypeMute, Reason: "spam"}
	require.NoError(t, addCase(ctx, db, first))
	assert.Equal(t, 1, first.Number)
	assert.NotZero(t, first.ID)

	second := &Case{GuildID: testGuildID, UserID: testUserID, Type: CaseTypeUnmute}
	require.NoError(t, addCase(ctx, db, second))
	assert.Equal(t, 2, second.Number)

	g, err := getGuild(ctx, db, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 3, g.CaseID)

	err = addCase(ctx, db, &Case{GuildID: "nope", UserID: testUserID, Type: CaseTypeMute})
	assert.ErrorIs(t, err, ErrGuildNotConfigured)
}

func TestAddCase_Concurrent(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	const n = 10
	numbers := make(chan int, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &Case{GuildID: testGuildID, UserID: testUserID, Type: CaseTypeMute}
			if err := addCase(ctx, db, c); err != nil {
				t.Error(err)
				return
			}
			numbers <- c.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "duplicate case number %d", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

func TestUserCases(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	for _, userID := range []string{testUserID, testOtherUserID, testUserID} {
		require.NoError(
			t,
			addCase(ctx, db, &Case{GuildID: testGuildID, UserID: userID, Type: CaseTypeMute}),
		)
	}

	cases, err := userCases(ctx, db, testGuildID, testUserID)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, 3, cases[0].Number)
	assert.Equal(t, 1, cases[1].Number)
}

func TestGiveaway_SaveAndGet(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	endsAt := time.Now().Add(time.Hour)
	g := &Giveaway{
		MessageID: "500000000000000001",
		ChannelID: testChannelGeneral,
		GuildID:   testGuildID,
		Name:      "Nitro",
		Sponsor:   testModID,
		Winners:   2,
		EndsAt:    endsAt.UnixMilli(),
	}
	require.NoError(t, saveGiveaway(ctx, db, g))

	got, err := getGiveaway(ctx, db, g.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Nitro", got.Name)
	assert.False(t, got.IsEnded)
	assert.Equal(t, endsAt.Unix(), got.EndTime().Unix())

	got.Entries = []string{testUserID, testOtherUserID}
	got.PreviousWinners = []string{testOtherUserID}
	got.IsEnded = true
	require.NoError(t, saveGiveaway(ctx, db, &got))

	ended, err := getGiveaway(ctx, db, g.MessageID)
	require.NoError(t, err)
	assert.True(t, ended.IsEnded)
	assert.Equal(t, []string{testUserID, testOtherUserID}, ended.Entries)
	assert.Equal(t, []string{testOtherUserID}, ended.PreviousWinners)

	_, err = getGiveaway(ctx, db, "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestGuild_LogValueRedactsPassword(t *testing.T) {
	t.Parallel()
	g := newTestGuild(t)
	v := g.LogValue()
	for _, attr := range v.Group() {
		if attr.Key == "AdminPassword" {
			t.Fatal("admin password should be skipped")
		}
	}
}

func TestCaseStats(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	const otherModID = "200000000000000009"
	for _, c := range []Case{
		{ModID: testModID, Reason: "Spam"},
		{ModID: testModID, Reason: "spam"},
		{ModID: testModID, Reason: "Being rude"},
		{ModID: testModID, Reason: "100% rude"},
		{ModID: otherModID, Reason: "rude"},
		{ModID: otherModID, Reason: "spam_bot"},
	} {
		c.GuildID = testGuildID
		c.UserID = testUserID
		c.Type = CaseTypeMute
		require.NoError(t, addCase(ctx, db, &c))
	}

	counts, total, err := modCaseStats(ctx, db, testGuildID, testModID)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(
		t,
		[]caseCount{{"spam", 2}, {"100% rude", 1}, {"being rude", 1}},
		counts,
	)

	counts, total, err = keywordCaseStats(ctx, db, testGuildID, "RUDE")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []caseCount{{testModID, 2}, {otherModID, 1}}, counts)

	// LIKE wildcards match literally
	counts, total, err = keywordCaseStats(ctx, db, testGuildID, "%")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []caseCount{{testModID, 1}}, counts)

	_, total, err = keywordCaseStats(ctx, db, testGuildID, "m_b")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	counts, total, err = modCaseStats(ctx, db, "nope", testModID)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, counts)
}
