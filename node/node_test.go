package node

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/transport"
)

// testNode is one running node plus the httptest server fronting its
// transport, torn down together by its cleanup func.
type testNode struct {
	n    *Node
	addr string
}

// startTestNode wires a Node to a real HTTP server (the same shape
// transport_test.go exercises at the transport layer alone), using
// selfID so the caller can fix a node's own address before other
// nodes in the same cluster are started.
func startTestNode(t *testing.T, selfID string, peers []string, quiet bool) *testNode {
	t.Helper()

	dir, err := os.MkdirTemp("", "nexus_node_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	tr := transport.New(2 * time.Second)

	cfg := DefaultConfig()
	cfg.SelfID = selfID
	cfg.Peers = peers
	cfg.DataDir = dir
	cfg.QuietMode = quiet
	// fast enough for tests, wide enough to avoid flaky split votes
	cfg.ElectTimeoutMin = 60 * time.Millisecond
	cfg.ElectTimeoutMax = 120 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SessionExpireTimeout = 150 * time.Millisecond
	cfg.EnableSnapshot = false

	n, err := New(cfg, tr)
	require.NoError(t, err)

	srv := httptest.NewServer(tr.HTTPHandler())
	t.Cleanup(srv.Close)

	// tr.Call prefixes "http://" itself, so addr must be bare host:port.
	addr := strings.TrimPrefix(srv.URL, "http://")

	n.Start()
	t.Cleanup(n.Stop)

	return &testNode{n: n, addr: addr}
}

// waitLeader blocks until n reports itself Leader with its new term's
// Nop entry already applied (safe mode cleared), or the timeout
// elapses, failing the test on timeout.
func waitLeader(t *testing.T, n *Node, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		ready := n.status == raftpb.Leader && !n.inSafeMode
		n.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s never became leader within %s", n.cfg.SelfID, timeout)
}

// startSingleNodeCluster brings up a lone node, rewrites its own
// address to the httptest server's bare addr (so replicators, were
// there any peers, would dial the right place), and waits for it to
// leave safe mode as Leader.
func startSingleNodeCluster(t *testing.T) *testNode {
	t.Helper()
	// placeholder SelfID, corrected to the server's real addr below
	tn := startTestNode(t, "self", nil, false)
	tn.n.cfg.SelfID = tn.addr
	tn.n.cfg.Peers = []string{tn.addr}
	tn.n.mu.Lock()
	tn.n.membership.Update(0, tn.addr)
	tn.n.mu.Unlock()
	waitLeader(t, tn.n, 2*time.Second)
	return tn
}

func TestSingleNodePutGet(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	putResp, err := tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "x", Value: "1"})
	require.NoError(t, err)
	require.True(t, putResp.Success)

	getResp, err := tn.n.HandleGet(ctx, raftpb.GetRequest{Key: "x"})
	require.NoError(t, err)
	require.True(t, getResp.Success)
	require.True(t, getResp.Hit)
	require.Equal(t, "1", getResp.Value)
}

func TestSingleNodeGetMiss(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	getResp, err := tn.n.HandleGet(ctx, raftpb.GetRequest{Key: "never-put"})
	require.NoError(t, err)
	require.True(t, getResp.Success)
	require.False(t, getResp.Hit)
}

func TestSingleNodeDel(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	_, err := tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "x", Value: "1"})
	require.NoError(t, err)

	delResp, err := tn.n.HandleDel(ctx, raftpb.DelRequest{Key: "x"})
	require.NoError(t, err)
	require.True(t, delResp.Success)

	getResp, err := tn.n.HandleGet(ctx, raftpb.GetRequest{Key: "x"})
	require.NoError(t, err)
	require.False(t, getResp.Hit)
}

func TestRegisterLoginPutUnderUserNamespace(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	regResp, err := tn.n.HandleRegister(ctx, raftpb.RegisterRequest{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.True(t, regResp.Success)

	loginResp, err := tn.n.HandleLogin(ctx, raftpb.LoginRequest{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.True(t, loginResp.Success)
	require.NotEmpty(t, loginResp.UUID)

	_, err = tn.n.HandlePut(ctx, raftpb.PutRequest{UUID: loginResp.UUID, Key: "k", Value: "v"})
	require.NoError(t, err)

	getResp, err := tn.n.HandleGet(ctx, raftpb.GetRequest{UUID: loginResp.UUID, Key: "k"})
	require.NoError(t, err)
	require.True(t, getResp.Hit)
	require.Equal(t, "v", getResp.Value)

	// anonymous caller reads from a different namespace, never sees it
	anonResp, err := tn.n.HandleGet(ctx, raftpb.GetRequest{Key: "k"})
	require.NoError(t, err)
	require.False(t, anonResp.Hit)
}

func TestLoginUnknownUserFails(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	loginResp, err := tn.n.HandleLogin(ctx, raftpb.LoginRequest{Username: "nobody", Password: "x"})
	require.NoError(t, err)
	require.False(t, loginResp.Success)
}

func TestLockThenUnlockReleasesKey(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	// Lock is refused until sessionExpireTimeout has elapsed since this
	// node became leader (spec.md's additional Lock/Scan window); refresh
	// s1's keep-alive on every attempt so it never expires while waiting.
	require.Eventually(t, func() bool {
		tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "s1"})
		lockResp, err := tn.n.HandleLock(ctx, raftpb.LockRequest{Key: "mylock", SessionID: "s1"})
		return err == nil && lockResp.Success
	}, 3*time.Second, 10*time.Millisecond)

	// a second session can't acquire the same lock
	keepResp2, err := tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "s2", UUID: ""})
	require.NoError(t, err)
	require.True(t, keepResp2.Success)
	lockResp2, err := tn.n.HandleLock(ctx, raftpb.LockRequest{Key: "mylock", SessionID: "s2"})
	require.NoError(t, err)
	require.False(t, lockResp2.Success)

	unlockResp, err := tn.n.HandleUnlock(ctx, raftpb.UnLockRequest{Key: "mylock", SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, unlockResp.Success)

	// now the second session can acquire it
	lockResp3, err := tn.n.HandleLock(ctx, raftpb.LockRequest{Key: "mylock", SessionID: "s2"})
	require.NoError(t, err)
	require.True(t, lockResp3.Success)
}

func TestUnlockByWrongSessionIsNoop(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "s1"})
		resp, err := tn.n.HandleLock(ctx, raftpb.LockRequest{Key: "k", SessionID: "s1"})
		return err == nil && resp.Success
	}, 3*time.Second, 10*time.Millisecond)

	tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "s2"})
	unlockResp, err := tn.n.HandleUnlock(ctx, raftpb.UnLockRequest{Key: "k", SessionID: "s2"})
	require.NoError(t, err)
	require.True(t, unlockResp.Success) // the RPC itself always succeeds...

	// ...but the lock is still held, since applyUnlock's conditional
	// delete-if only fires for the session that set it.
	getResp, _ := tn.n.HandleGet(ctx, raftpb.GetRequest{Key: "k"})
	require.True(t, getResp.Hit)
}

func TestWatchFiresOnPut(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "watcher"})

	watchDone := make(chan raftpb.WatchResponse, 1)
	go func() {
		resp, err := tn.n.HandleWatch(ctx, raftpb.WatchRequest{
			Key:       "w",
			SessionID: "watcher",
			KeyExist:  false,
		})
		require.NoError(t, err)
		watchDone <- resp
	}()

	// give the watch a moment to register before the Put fires it
	time.Sleep(50 * time.Millisecond)
	_, err := tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "w", Value: "fired"})
	require.NoError(t, err)

	select {
	case resp := <-watchDone:
		require.True(t, resp.Success)
		require.Equal(t, "w", resp.Key)
		require.Equal(t, "fired", resp.Value)
		require.False(t, resp.Deleted)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired")
	}
}

func TestWatchFiresImmediatelyWhenPredicateAlreadyViolated(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	tn.n.HandleKeepAlive(ctx, raftpb.KeepAliveRequest{SessionID: "watcher"})
	_, err := tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "w", Value: "already-there"})
	require.NoError(t, err)

	// caller believes the key doesn't exist yet, but it already does:
	// the predicate is already violated, so Watch must return at once.
	resp, err := tn.n.HandleWatch(ctx, raftpb.WatchRequest{
		Key:       "w",
		SessionID: "watcher",
		KeyExist:  false,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "already-there", resp.Value)
}

func TestScanReturnsKeysUnderPrefix(t *testing.T) {
	tn := startSingleNodeCluster(t)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		resp, err := tn.n.HandleScan(ctx, raftpb.ScanRequest{Key: "dir/"})
		return err == nil && resp.Success
	}, 3*time.Second, 20*time.Millisecond)

	tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "dir/a", Value: "1"})
	tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "dir/b", Value: "2"})
	tn.n.HandlePut(ctx, raftpb.PutRequest{Key: "other", Value: "3"})

	scanResp, err := tn.n.HandleScan(ctx, raftpb.ScanRequest{Key: "dir/", SizeLimit: 10})
	require.NoError(t, err)
	require.True(t, scanResp.Success)
	require.False(t, scanResp.HasMore)
	require.Len(t, scanResp.Items, 2)
}

func TestAddNodeGrowsClusterAndNewNodeLeavesQuietMode(t *testing.T) {
	tn1 := startSingleNodeCluster(t)

	tn2 := startTestNode(t, "", nil, true)
	tn2.n.cfg.SelfID = tn2.addr
	tn2.n.mu.Lock()
	tn2.n.cfg.Peers = []string{tn1.n.cfg.SelfID, tn2.addr}
	tn2.n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tn1.n.HandleAddNode(ctx, raftpb.AddNodeRequest{NodeAddr: tn2.addr})
	require.NoError(t, err)
	require.True(t, resp.Success)

	tn1.n.mu.Lock()
	members := tn1.n.membership.Current()
	tn1.n.mu.Unlock()
	require.Contains(t, members, tn2.addr)

	require.Eventually(t, func() bool {
		tn2.n.mu.Lock()
		defer tn2.n.mu.Unlock()
		return !tn2.n.inQuietMode
	}, 3*time.Second, 20*time.Millisecond)
}
