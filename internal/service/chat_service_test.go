package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/shopchat/internal/auth"
	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/datamodels/user"
	"github.com/example/shopchat/internal/presence"
	"github.com/example/shopchat/internal/repository/mysql"
)

const alice = chat.Party("alice@example.com")

// tokenResolver 令牌直接映射到身份
type tokenResolver map[string]auth.Principal

func (r tokenResolver) Resolve(_ context.Context, token string) (auth.Principal, error) {
	p, ok := r[token]
	if !ok {
		return auth.Principal{}, auth.ErrMissingToken
	}
	return p, nil
}

var testTokens = tokenResolver{
	"alice": {UserID: 1, Identity: "alice@example.com"},
	"bob":   {UserID: 2, Identity: "bob@example.com"},
	"admin": {UserID: 3, Identity: "admin@shop.local", IsAdmin: true},
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, mysql.Migrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

type fixture struct {
	db   *gorm.DB
	repo chat.Repository
	hub  *presence.Hub
	svc  *ChatService
}

func newFixture(t *testing.T) *fixture {
	gdb := newTestDB(t)
	repo := mysql.NewChatRepository(gdb)
	hub := presence.NewHub(presence.NewRegistry(64), nil, nil)
	return &fixture{db: gdb, repo: repo, hub: hub, svc: NewChatService(repo, testTokens, hub, nil)}
}

func (f *fixture) connect(t *testing.T, connID, token string) *Session {
	t.Helper()
	sess, err := f.svc.Connect(context.Background(), connID, token)
	require.NoError(t, err)
	t.Cleanup(func() { f.svc.Disconnect(sess) })
	return sess
}

func events(sess *Session) []presence.Event {
	var out []presence.Event
	for {
		select {
		case ev, ok := <-sess.Outbox():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func named(evs []presence.Event, name string) []presence.Event {
	var out []presence.Event
	for _, ev := range evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func decodeMessage(t *testing.T, ev presence.Event) MessagePayload {
	t.Helper()
	var p MessagePayload
	require.NoError(t, ev.Decode(&p))
	return p
}

func decodeUnread(t *testing.T, ev presence.Event) int64 {
	t.Helper()
	var p UnreadPayload
	require.NoError(t, ev.Decode(&p))
	return p.Count
}

func TestConnectBindsGroups(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")
	anon := f.connect(t, "c-anon", "")
	bad := f.connect(t, "c-bad", "expired-token")

	assert.Equal(t, StateBound, a.State())
	assert.Equal(t, "alice@example.com", a.Group())
	assert.True(t, adm.Viewer().Admin)
	assert.Equal(t, chat.AdminGroup.Group(), adm.Group())

	// resolution failure binds a private group instead of failing the connection
	assert.Equal(t, StateBound, anon.State())
	assert.Equal(t, presence.PrivateGroup("c-anon"), anon.Group())
	assert.True(t, anon.Viewer().Anonymous())
	assert.Equal(t, presence.PrivateGroup("c-bad"), bad.Group())

	_, err := f.svc.Connect(context.Background(), "c-alice", "alice")
	assert.ErrorIs(t, err, presence.ErrDuplicateConn)
}

func TestScenarioCustomerSendsToAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	aliceTab := f.connect(t, "c-alice-2", "alice")
	admin1 := f.connect(t, "c-admin-1", "admin")
	admin2 := f.connect(t, "c-admin-2", "admin")
	bob := f.connect(t, "c-bob", "bob")

	m, err := f.svc.Send(ctx, a, SendRequest{Sender: "alice@example.com", Text: "Hi", Receiver: "AdminGroup"})
	require.NoError(t, err)
	assert.Equal(t, alice.String(), m.Sender)
	assert.Equal(t, chat.AdminGroup.String(), m.Receiver)
	assert.False(t, m.IsRead)

	n, err := f.repo.UnreadCount(ctx, chat.AdminGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, adm := range []*Session{admin1, admin2} {
		evs := events(adm)
		got := named(evs, presence.EventReceiveMessage)
		require.Len(t, got, 1)
		p := decodeMessage(t, got[0])
		assert.Equal(t, "alice@example.com", p.Sender)
		assert.Equal(t, "Hi", p.Text)
		unread := named(evs, presence.EventUpdateUnreadCount)
		require.Len(t, unread, 1)
		assert.Equal(t, int64(1), decodeUnread(t, unread[0]))
	}

	// echo to every tab of the sender
	assert.Len(t, named(events(a), presence.EventReceiveMessage), 1)
	assert.Len(t, named(events(aliceTab), presence.EventReceiveMessage), 1)
	assert.Empty(t, events(bob))
}

func TestScenarioAdminReplyThenCustomerReadsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")

	first, err := f.svc.Send(ctx, a, SendRequest{Text: "Where is my order?", Receiver: "AdminGroup"})
	require.NoError(t, err)
	reply, err := f.svc.Send(ctx, adm, SendRequest{Text: "We shipped your order", Receiver: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, chat.AdminGroup.String(), reply.Sender)

	unread := named(events(a), presence.EventUpdateUnreadCount)
	require.Len(t, unread, 1)
	assert.Equal(t, int64(1), decodeUnread(t, unread[0]))

	list, err := f.svc.GetHistory(ctx, a.Viewer(), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, reply.ID, list[1].ID)
	assert.True(t, list[1].IsRead)
	// alice's own message to the admins stays unread for them
	assert.False(t, list[0].IsRead)

	n, err := f.svc.UnreadCount(ctx, a.Viewer())
	require.NoError(t, err)
	assert.Zero(t, n)

	// marking read pushed the fresh count to alice
	pushed := named(events(a), presence.EventUpdateUnreadCount)
	require.Len(t, pushed, 1)
	assert.Zero(t, decodeUnread(t, pushed[0]))
}

func TestScenarioAdminDeletesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")
	bob := f.connect(t, "c-bob", "bob")

	_, err := f.svc.Send(ctx, a, SendRequest{Text: "Hi", Receiver: "AdminGroup"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, adm, SendRequest{Text: "Hello", Receiver: "alice@example.com"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, bob, SendRequest{Text: "bob here", Receiver: "AdminGroup"})
	require.NoError(t, err)
	events(a)
	events(adm)
	events(bob)

	require.NoError(t, f.svc.DeleteConversationIn(ctx, adm, "Alice@Example.com"))

	var stored []chat.Message
	require.NoError(t, f.db.Where("sender = ? OR receiver = ?", alice.String(), alice.String()).Find(&stored).Error)
	require.Len(t, stored, 2)
	for _, m := range stored {
		assert.True(t, m.IsDeleted)
	}

	list, err := f.svc.GetHistory(ctx, a.Viewer(), "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, sess := range []*Session{a, adm} {
		got := named(events(sess), presence.EventConversationDeleted)
		require.Len(t, got, 1)
		var p DeletedPayload
		require.NoError(t, got[0].Decode(&p))
		assert.Equal(t, "alice@example.com", p.Target)
	}
	assert.Empty(t, named(events(bob), presence.EventConversationDeleted))

	bobs, err := f.svc.FetchHistory(ctx, "bob@example.com", 0, 0)
	require.NoError(t, err)
	assert.Len(t, bobs, 1)
}

func TestScenarioConcurrentSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.Send(ctx, a, SendRequest{Text: "from alice", Receiver: "AdminGroup"})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.svc.Send(ctx, adm, SendRequest{Text: "from admin", Receiver: "alice@example.com"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	first, err := f.svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.NotEqual(t, first[0].SentAt, first[1].SentAt)
	assert.True(t, first[0].SentAt.Before(first[1].SentAt))

	again, err := f.svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{first[0].ID, first[1].ID}, []uint64{again[0].ID, again[1].ID})
}

func TestAnonymousConnectionIsIsolatedFromAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.connect(t, "c-admin", "admin")
	anon := f.connect(t, "c-anon", "")
	private := presence.PrivateGroup("c-anon")

	for _, receiver := range []string{private, "ANON:c-anon", " anon:c-anon "} {
		_, err := f.svc.Send(ctx, adm, SendRequest{Text: "hello stranger", Receiver: receiver})
		assert.ErrorIs(t, err, chat.ErrInvalidPair, receiver)
	}
	_, err := f.svc.SendSystem(ctx, private, "order shipped")
	assert.ErrorIs(t, err, ErrNoCustomer)

	var stored int64
	require.NoError(t, f.db.Model(&chat.Message{}).Count(&stored).Error)
	assert.Zero(t, stored)
	assert.Empty(t, named(events(anon), presence.EventReceiveMessage))

	// admins cannot watch another connection's private group
	assert.ErrorIs(t, f.svc.JoinGroup(ctx, adm, private), ErrForbidden)
	assert.Equal(t, 1, f.hub.Registry().Members(private))
	assert.ErrorIs(t, f.svc.DeleteConversation(ctx, adm.Viewer(), private), ErrNoCustomer)
	_, err = f.svc.GetHistory(ctx, adm.Viewer(), private, 0, 0)
	assert.ErrorIs(t, err, ErrNoCustomer)
}

func TestGroupIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.connect(t, "c-admin", "admin")
	a := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	anon := f.connect(t, "c-anon", "nope")

	_, err := f.svc.Send(ctx, adm, SendRequest{Text: "for alice only", Receiver: "alice@example.com"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, a, SendRequest{Text: "thanks", Receiver: "AdminGroup"})
	require.NoError(t, err)

	assert.Len(t, named(events(a), presence.EventReceiveMessage), 2)
	assert.Len(t, named(events(adm), presence.EventReceiveMessage), 2)
	assert.Empty(t, events(bob))
	assert.Empty(t, events(anon))
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")
	anon := f.connect(t, "c-anon", "")

	cases := []struct {
		name string
		sess *Session
		req  SendRequest
		want error
	}{
		{"empty text", a, SendRequest{Text: "   ", Receiver: "AdminGroup"}, chat.ErrEmptyText},
		{"empty receiver", a, SendRequest{Text: "hi", Receiver: " "}, chat.ErrEmptyReceiver},
		{"spoofed sender", a, SendRequest{Sender: "bob@example.com", Text: "hi", Receiver: "AdminGroup"}, ErrSenderMismatch},
		{"customer to customer", a, SendRequest{Text: "hi", Receiver: "bob@example.com"}, chat.ErrInvalidPair},
		{"admin to admins", adm, SendRequest{Text: "hi", Receiver: "Admin"}, chat.ErrInvalidPair},
		{"anonymous", anon, SendRequest{Text: "hi", Receiver: "AdminGroup"}, ErrAnonymous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, tc.sess, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	list, err := f.svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, events(adm))

	// legacy "Admin" literal still reaches the collective
	_, err = f.svc.Send(ctx, a, SendRequest{Text: "hi", Receiver: "admin"})
	assert.NoError(t, err)
}

func TestClosedSessionCannotSend(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "c-alice", "alice")
	f.svc.Disconnect(a)
	f.svc.Disconnect(a)

	assert.Equal(t, StateClosed, a.State())
	_, err := f.svc.Send(context.Background(), a, SendRequest{Text: "hi", Receiver: "AdminGroup"})
	assert.ErrorIs(t, err, ErrNotBound)
	assert.Zero(t, f.hub.Registry().Members("alice@example.com"))

	// the outbox is closed after disconnect
	_, ok := <-a.Outbox()
	assert.False(t, ok)
}

func TestDeleteConversationGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")
	_, err := f.svc.Send(ctx, a, SendRequest{Text: "Hi", Receiver: "AdminGroup"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteConversationIn(ctx, a, "alice@example.com"), ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteConversationIn(ctx, adm, "AdminGroup"), chat.ErrCollectiveTarget)
	assert.ErrorIs(t, f.svc.DeleteConversationIn(ctx, adm, "Admin"), chat.ErrCollectiveTarget)
	assert.ErrorIs(t, f.svc.DeleteConversationIn(ctx, adm, ""), ErrNoCustomer)

	list, err := f.svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJoinGroupRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")
	anon := f.connect(t, "c-anon", "")

	assert.NoError(t, f.svc.JoinGroup(ctx, a, "Alice@Example.com"))
	assert.ErrorIs(t, f.svc.JoinGroup(ctx, a, "bob@example.com"), ErrForbidden)
	assert.ErrorIs(t, f.svc.JoinGroup(ctx, a, "AdminGroup"), ErrForbidden)
	assert.ErrorIs(t, f.svc.JoinGroup(ctx, anon, "alice@example.com"), ErrForbidden)
	assert.NoError(t, f.svc.JoinGroup(ctx, anon, presence.PrivateGroup("c-anon")))

	// admins may watch a customer's group directly
	require.NoError(t, f.svc.JoinGroup(ctx, adm, "bob@example.com"))
	assert.Equal(t, []string{chat.AdminGroup.Group(), "bob@example.com"}, f.hub.Registry().Groups("c-admin"))
}

func TestMarkReadEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")

	_, err := f.svc.Send(ctx, a, SendRequest{Text: "one", Receiver: "AdminGroup"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, a, SendRequest{Text: "two", Receiver: "AdminGroup"})
	require.NoError(t, err)
	events(adm)

	n, err := f.svc.MarkRead(ctx, adm, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	got := named(events(adm), presence.EventUpdateUnreadCount)
	require.Len(t, got, 1)
	assert.Zero(t, decodeUnread(t, got[0]))

	n, err = f.svc.MarkRead(ctx, adm, "alice@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.svc.MarkRead(ctx, a, "bob@example.com")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := mysql.NewUserRepository(f.db)
	for _, e := range []string{"alice@example.com", "bob@example.com"} {
		require.NoError(t, users.Create(ctx, &user.User{Email: e, Password: "x", Role: user.RoleCustomer}))
	}
	a := f.connect(t, "c-alice", "alice")
	bob := f.connect(t, "c-bob", "bob")
	adm := f.connect(t, "c-admin", "admin")

	_, err := f.svc.Send(ctx, a, SendRequest{Text: "1", Receiver: "AdminGroup"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, a, SendRequest{Text: "2", Receiver: "AdminGroup"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, bob, SendRequest{Text: "3", Receiver: "AdminGroup"})
	require.NoError(t, err)

	list, err := f.svc.ListConversations(ctx, adm.Viewer())
	require.NoError(t, err)
	assert.Equal(t, []ConversationSummary{
		{Customer: "alice@example.com", Unread: 2},
		{Customer: "bob@example.com", Unread: 1},
	}, list)

	_, err = f.svc.ListConversations(ctx, a.Viewer())
	assert.ErrorIs(t, err, ErrForbidden)

	// admin history read marks only that customer's messages
	_, err = f.svc.GetHistory(ctx, adm.Viewer(), "alice@example.com", 0, 0)
	require.NoError(t, err)
	n, err := f.svc.UnreadCount(ctx, adm.Viewer())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetHistoryAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")

	_, err := f.svc.GetHistory(ctx, a.Viewer(), "bob@example.com", 0, 0)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetHistory(ctx, adm.Viewer(), "", 0, 0)
	assert.ErrorIs(t, err, ErrNoCustomer)
	_, err = f.svc.GetHistory(ctx, Viewer{}, "", 0, 0)
	assert.ErrorIs(t, err, ErrAnonymous)
}

func TestHistoryLimitCap(t *testing.T) {
	f := newFixture(t)
	f.svc.WithHistoryLimit(2)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, a, SendRequest{Text: fmt.Sprintf("m%d", i), Receiver: "AdminGroup"})
		require.NoError(t, err)
	}
	list, err := f.svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	rest, err := f.svc.FetchHistory(ctx, alice, list[1].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSendSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "c-alice", "alice")
	adm := f.connect(t, "c-admin", "admin")

	m, err := f.svc.SendSystem(ctx, "Alice@example.com", "Update on your order #7")
	require.NoError(t, err)
	assert.Equal(t, chat.AdminGroup.String(), m.Sender)
	assert.Equal(t, alice.String(), m.Receiver)

	assert.Len(t, named(events(a), presence.EventReceiveMessage), 1)
	assert.Len(t, named(events(adm), presence.EventReceiveMessage), 1)

	_, err = f.svc.SendSystem(ctx, "AdminGroup", "x")
	assert.ErrorIs(t, err, ErrNoCustomer)
}

// failingRepo 在 Append 时模拟数据库不可用
type failingRepo struct {
	chat.Repository
}

func (failingRepo) Append(context.Context, *chat.Message) error {
	return errors.New("db down")
}

func TestPersistenceFailureSkipsBroadcast(t *testing.T) {
	f := newFixture(t)
	svc := NewChatService(failingRepo{f.repo}, testTokens, f.hub, nil)
	ctx := context.Background()
	a, err := svc.Connect(ctx, "c-alice", "alice")
	require.NoError(t, err)
	adm, err := svc.Connect(ctx, "c-admin", "admin")
	require.NoError(t, err)

	_, err = svc.Send(ctx, a, SendRequest{Text: "Hi", Receiver: "AdminGroup"})
	assert.Error(t, err)
	assert.Empty(t, events(adm))
	assert.Empty(t, events(a))
}

// brokenPresence 本地投递正常，但跨进程转发失败
type brokenPresence struct {
	*presence.Hub
}

func (b brokenPresence) Publish(ctx context.Context, group string, ev presence.Event) error {
	_ = b.Hub.Publish(ctx, group, ev)
	return errors.New("nats unavailable")
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	svc := NewChatService(f.repo, testTokens, brokenPresence{f.hub}, nil)
	ctx := context.Background()
	a, err := svc.Connect(ctx, "c-alice", "alice")
	require.NoError(t, err)

	m, err := svc.Send(ctx, a, SendRequest{Text: "Hi", Receiver: "AdminGroup"})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)

	list, err := svc.FetchHistory(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
