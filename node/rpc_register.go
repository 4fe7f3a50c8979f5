package node

import (
	"context"
	"encoding/json"
	"math/rand"

	"github.com/nexuskv/nexus/transport"
)

// registerHandlers wires every RPC receiver into the transport under
// its method name (spec.md §6's RPC surface), adapting each typed
// Handle* method to the transport's raw-bytes Handler via JSON and
// counting every call per op for RpcStat along the way.
func (n *Node) registerHandlers() {
	handle(n, "AppendEntries", n.HandleAppendEntries)
	handle(n, "Vote", n.HandleVote)
	handle(n, "Put", n.HandlePut)
	handle(n, "Del", n.HandleDel)
	handle(n, "Get", n.HandleGet)
	handle(n, "Scan", n.HandleScan)
	handle(n, "Lock", n.HandleLock)
	handle(n, "Unlock", n.HandleUnlock)
	handle(n, "Watch", n.HandleWatch)
	handle(n, "KeepAlive", n.HandleKeepAlive)
	handle(n, "Login", n.HandleLogin)
	handle(n, "Logout", n.HandleLogout)
	handle(n, "Register", n.HandleRegister)
	handle(n, "AddNode", n.HandleAddNode)
	handle(n, "RemoveNode", n.HandleRemoveNode)
	handle(n, "InstallSnapshot", n.HandleInstallSnapshot)
	handle(n, "CleanBinlog", n.HandleCleanBinlog)
	handle(n, "ShowStatus", n.HandleShowStatus)
	handle(n, "RpcStat", n.HandleRpcStat)
}

// sampleAccessLog traces a random fraction of inbound RPCs at debug
// level, matching the original's rand()/RAND_MAX < trace_ratio gate.
func (n *Node) sampleAccessLog(method, remoteAddr string) {
	if n.cfg.TraceRatio <= 0 {
		return
	}
	if rand.Float64() < n.cfg.TraceRatio {
		logger.Debugf("[trace] %s from %s", method, remoteAddr)
	}
}

func handle[Req any, Resp any](n *Node, method string, fn func(context.Context, Req) (Resp, error)) {
	n.tr.Handle(method, func(ctx context.Context, raw []byte) ([]byte, error) {
		n.incRPCStat(method)
		n.sampleAccessLog(method, transport.RemoteAddr(ctx))
		var req Req
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}
