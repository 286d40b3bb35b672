package fanout

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxrelay/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := t.TempDir() + "/fanout.db"
	st, err := store.New(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func runFanout(t *testing.T, st *store.Store) (*Fanout, context.CancelFunc) {
	t.Helper()
	f := New(st, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	return f, cancel
}

// drain gives the actor's goroutine a chance to process queued commands
// before assertions run; fanout has no synchronous call path by design.
func drain() { time.Sleep(20 * time.Millisecond) }

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	st := newTestStore(t)
	f, cancel := runFanout(t, st)
	defer cancel()

	out1 := make(chan []byte, 1)
	out2 := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "x", Outbound: out1}, 0)
	f.Connect(Subscriber{UserID: 2, SessionToken: "b", Identifier: "y", Outbound: out2}, 0)
	drain()

	f.Control([]byte("hello"), Broadcast{})
	drain()

	require.Equal(t, []byte("hello"), <-out1)
	require.Equal(t, []byte("hello"), <-out2)
}

func TestUserPolicyOnlyReachesMatchingUser(t *testing.T) {
	st := newTestStore(t)
	f, cancel := runFanout(t, st)
	defer cancel()

	out1 := make(chan []byte, 1)
	out2 := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "x", Outbound: out1}, 0)
	f.Connect(Subscriber{UserID: 2, SessionToken: "b", Identifier: "y", Outbound: out2}, 0)
	drain()

	f.Control([]byte("hi"), User{UserID: 2})
	drain()

	select {
	case <-out1:
		t.Fatal("user 1 should not have received the event")
	default:
	}
	require.Equal(t, []byte("hi"), <-out2)
}

func TestGroupRightsPolicyRespectsMinimum(t *testing.T) {
	st := newTestStore(t)
	uid, err := st.CreateUser("alice", "password")
	require.NoError(t, err)
	require.NoError(t, st.SetUserRoleID(uid, 3))
	_, err = st.SetGroupRoleRights(42, 3, 4)
	require.NoError(t, err)

	f, cancel := runFanout(t, st)
	defer cancel()

	out := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: uid, SessionToken: "tok", Identifier: "x", Outbound: out}, 0)
	drain()

	f.Control([]byte("low"), GroupRights{GroupID: 42, Min: 4})
	drain()
	require.Equal(t, []byte("low"), <-out)

	f.Control([]byte("high"), GroupRights{GroupID: 42, Min: 8})
	drain()
	select {
	case <-out:
		t.Fatal("rights below min must not admit the subscriber")
	default:
	}
}

func TestDisconnectUserClosesOutbound(t *testing.T) {
	st := newTestStore(t)
	f, cancel := runFanout(t, st)
	defer cancel()

	out := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "x", Outbound: out}, 0)
	drain()

	f.DisconnectUser(1)
	drain()

	_, open := <-out
	require.False(t, open, "outbound channel should be closed on disconnect")
}

func TestConnectMarksUserOnlineAndLastDisconnectMarksOffline(t *testing.T) {
	st := newTestStore(t)
	uid, err := st.CreateUser("carol", "password")
	require.NoError(t, err)

	f, cancel := runFanout(t, st)
	defer cancel()

	out1 := make(chan []byte, 1)
	out2 := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: uid, SessionToken: "a", Identifier: "dev-1", Outbound: out1}, 0)
	drain()

	status, err := st.UserStatus(uid)
	require.NoError(t, err)
	require.Equal(t, store.UserStatusOnline, status)

	f.Connect(Subscriber{UserID: uid, SessionToken: "a", Identifier: "dev-2", Outbound: out2}, 0)
	drain()

	f.Timeout(uid, "dev-1")
	drain()

	status, err = st.UserStatus(uid)
	require.NoError(t, err)
	require.Equal(t, store.UserStatusOnline, status, "user has another live subscriber and must stay online")

	f.Timeout(uid, "dev-2")
	drain()

	status, err = st.UserStatus(uid)
	require.NoError(t, err)
	require.Equal(t, store.UserStatusOffline, status, "last subscriber disconnecting must mark the user offline")
}

func TestVoiceFeedsActiveRecording(t *testing.T) {
	st := newTestStore(t)
	f, cancel := runFanout(t, st)
	defer cancel()

	dir := t.TempDir()
	require.NoError(t, f.StartRecording(7, "alice", dir))

	out := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "x", Outbound: out}, 7)
	drain()

	frame := append([]byte{0, 1, 0, 1}, []byte("opus-bytes")...)
	f.Voice(7, frame, Broadcast{})
	drain()
	require.Equal(t, frame, <-out)

	f.StopRecording(7)
	drain()
}

func TestTimeoutRemovesOnlyMatchingIdentifier(t *testing.T) {
	st := newTestStore(t)
	f, cancel := runFanout(t, st)
	defer cancel()

	out1 := make(chan []byte, 1)
	out2 := make(chan []byte, 1)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "dev-1", Outbound: out1}, 0)
	f.Connect(Subscriber{UserID: 1, SessionToken: "a", Identifier: "dev-2", Outbound: out2}, 0)
	drain()

	f.Timeout(1, "dev-1")
	drain()

	_, open := <-out1
	require.False(t, open)

	f.Control([]byte("still here"), User{UserID: 1})
	drain()
	require.Equal(t, []byte("still here"), <-out2)
}
