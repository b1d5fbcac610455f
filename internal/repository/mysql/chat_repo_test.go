package mysql

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/datamodels/user"
)

const (
	alice = chat.Party("alice@example.com")
	bob   = chat.Party("bob@example.com")
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

func seedUsers(t *testing.T, gdb *gorm.DB, emails ...chat.Party) {
	t.Helper()
	repo := NewUserRepository(gdb)
	for _, e := range emails {
		require.NoError(t, repo.Create(context.Background(), &user.User{
			Email:    string(e),
			Password: "x",
			Role:     user.RoleCustomer,
		}))
	}
}

func appendMsg(t *testing.T, repo chat.Repository, from, to chat.Party, text string) *chat.Message {
	t.Helper()
	m := &chat.Message{Sender: string(from), Receiver: string(to), Text: text}
	require.NoError(t, repo.Append(context.Background(), m))
	return m
}

func TestAppendAssignsServerFields(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))

	m := &chat.Message{Sender: string(alice), Receiver: string(chat.AdminGroup), Text: "  Hi  ", IsRead: true, IsDeleted: true}
	require.NoError(t, repo.Append(context.Background(), m))

	assert.NotZero(t, m.ID)
	assert.False(t, m.SentAt.IsZero())
	assert.False(t, m.IsRead)
	assert.False(t, m.IsDeleted)
	assert.Equal(t, "Hi", m.Text)

	n, err := repo.UnreadCount(context.Background(), chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppendRejectsInvalid(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	assert.ErrorIs(t, repo.Append(ctx, &chat.Message{Sender: string(alice), Receiver: string(chat.AdminGroup), Text: " \t"}), chat.ErrEmptyText)
	assert.ErrorIs(t, repo.Append(ctx, &chat.Message{Sender: string(alice), Receiver: "", Text: "hi"}), chat.ErrEmptyReceiver)
	assert.ErrorIs(t, repo.Append(ctx, &chat.Message{Sender: string(alice), Receiver: string(bob), Text: "hi"}), chat.ErrInvalidPair)

	list, err := repo.History(ctx, alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHistoryOrderAndDirection(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	m1 := appendMsg(t, repo, alice, chat.AdminGroup, "Hi")
	m2 := appendMsg(t, repo, chat.AdminGroup, alice, "We shipped your order")
	appendMsg(t, repo, bob, chat.AdminGroup, "not alice")
	m3 := appendMsg(t, repo, alice, chat.AdminGroup, "thanks")

	list, err := repo.History(ctx, alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{m1.ID, m2.ID, m3.ID}, []uint64{list[0].ID, list[1].ID, list[2].ID})

	// argument order does not matter
	rev, err := repo.History(ctx, chat.AdminGroup, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, rev, 3)

	after, err := repo.History(ctx, alice, chat.AdminGroup, m1.ID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, m2.ID, after[0].ID)
}

func TestSentAtStrictlyIncreasingWithFrozenClock(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	first := appendMsg(t, repo, alice, chat.AdminGroup, "a")
	frozen := first.SentAt
	repo.(*chatRepo).now = func() time.Time { return frozen }

	second := appendMsg(t, repo, chat.AdminGroup, alice, "b")
	third := appendMsg(t, repo, alice, chat.AdminGroup, "c")
	assert.True(t, second.SentAt.After(first.SentAt))
	assert.True(t, third.SentAt.After(second.SentAt))
}

func TestMarkReadIdempotent(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	appendMsg(t, repo, chat.AdminGroup, alice, "one")
	appendMsg(t, repo, chat.AdminGroup, alice, "two")
	appendMsg(t, repo, alice, chat.AdminGroup, "reply")

	n, err := repo.MarkRead(ctx, alice, chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	once, err := repo.UnreadCount(ctx, alice)
	require.NoError(t, err)

	n, err = repo.MarkRead(ctx, alice, chat.AdminGroup)
	require.NoError(t, err)
	assert.Zero(t, n)
	twice, err := repo.UnreadCount(ctx, alice)
	require.NoError(t, err)

	assert.Zero(t, once)
	assert.Equal(t, once, twice)

	// the other direction is untouched
	adminUnread, err := repo.UnreadCount(ctx, chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), adminUnread)
}

func TestSoftDeleteHidesButKeepsRows(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewChatRepository(gdb)
	ctx := context.Background()

	appendMsg(t, repo, alice, chat.AdminGroup, "Hi")
	appendMsg(t, repo, chat.AdminGroup, alice, "Hello")
	appendMsg(t, repo, bob, chat.AdminGroup, "bob here")

	n, err := repo.SoftDelete(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := repo.History(ctx, alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	var stored []chat.Message
	require.NoError(t, gdb.Where("sender = ? OR receiver = ?", string(alice), string(alice)).Find(&stored).Error)
	require.Len(t, stored, 2)
	for _, m := range stored {
		assert.True(t, m.IsDeleted)
	}

	bobs, err := repo.History(ctx, bob, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	// unread counts ignore deleted rows
	unread, err := repo.UnreadCount(ctx, chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

func TestSoftDeleteRejectsCollective(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	appendMsg(t, repo, alice, chat.AdminGroup, "Hi")

	_, err := repo.SoftDelete(context.Background(), chat.AdminGroup)
	assert.ErrorIs(t, err, chat.ErrCollectiveTarget)

	list, err := repo.History(context.Background(), alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUnreadCountMatchesRows(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewChatRepository(gdb)
	ctx := context.Background()

	check := func() {
		var want int64
		require.NoError(t, gdb.Model(&chat.Message{}).
			Where("receiver = ? AND is_read = ? AND is_deleted = ?", string(chat.AdminGroup), false, false).
			Count(&want).Error)
		got, err := repo.UnreadCount(ctx, chat.AdminGroup)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	appendMsg(t, repo, alice, chat.AdminGroup, "1")
	check()
	appendMsg(t, repo, bob, chat.AdminGroup, "2")
	check()
	_, err := repo.MarkRead(ctx, chat.AdminGroup, alice)
	require.NoError(t, err)
	check()

	by, err := repo.UnreadBySender(ctx, chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, map[chat.Party]int64{bob: 1}, by)
}

func TestConversationsFilteredByDirectory(t *testing.T) {
	gdb := newTestDB(t)
	repo := NewChatRepository(gdb)
	ctx := context.Background()
	seedUsers(t, gdb, alice, bob)

	appendMsg(t, repo, alice, chat.AdminGroup, "Hi")
	appendMsg(t, repo, chat.AdminGroup, bob, "system notice")
	appendMsg(t, repo, "ghost@example.com", chat.AdminGroup, "stale sender")

	list, err := repo.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chat.Party{alice, bob}, list)

	_, err = repo.SoftDelete(ctx, alice)
	require.NoError(t, err)
	list, err = repo.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chat.Party{bob}, list)
}

func TestConcurrentAppendsKeepCommitOrder(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	const perSide = 20
	var wg sync.WaitGroup
	send := func(from, to chat.Party) {
		defer wg.Done()
		for i := 0; i < perSide; i++ {
			m := &chat.Message{Sender: string(from), Receiver: string(to), Text: fmt.Sprintf("%s-%d", from, i)}
			assert.NoError(t, repo.Append(ctx, m))
		}
	}
	wg.Add(2)
	go send(alice, chat.AdminGroup)
	go send(chat.AdminGroup, alice)
	wg.Wait()

	first, err := repo.History(ctx, alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	require.Len(t, first, 2*perSide)

	seen := make(map[int64]struct{})
	for i, m := range first {
		_, dup := seen[m.SentAt.UnixMicro()]
		assert.False(t, dup, "duplicate sentAt at %d", i)
		seen[m.SentAt.UnixMicro()] = struct{}{}
		if i > 0 {
			assert.True(t, m.SentAt.After(first[i-1].SentAt))
			assert.Greater(t, m.ID, first[i-1].ID)
		}
	}

	second, err := repo.History(ctx, alice, chat.AdminGroup, 0, 0)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}
