package node

import (
	"context"

	"github.com/nexuskv/nexus/raftpb"
	"github.com/nexuskv/nexus/usermanager"
)

// HandleLogin is the Login RPC: the leader validates the username
// exists, mints a deterministic uuid for (username, password), and logs
// a Login entry carrying it so every replica opens the same session.
func (n *Node) HandleLogin(ctx context.Context, req raftpb.LoginRequest) (raftpb.LoginResponse, error) {
	leaderID, ok := n.checkWritableRole()
	if !ok {
		return raftpb.LoginResponse{ClientResponse: raftpb.ClientResponse{Success: false, LeaderID: leaderID}}, nil
	}

	if !n.users.IsValidUser(req.Username) {
		return raftpb.LoginResponse{ClientResponse: raftpb.ClientResponse{Success: false}, Status: usermanager.UnknownUser.String()}, nil
	}

	uuid := usermanager.CalcUUID(req.Username, req.Password)
	idx, ack, err := n.appendClientEntry(raftpb.Login, uuid, req.Username, req.Password)
	if err != nil {
		return raftpb.LoginResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	out, ok := n.waitAck(ctx, idx, ack)
	if !ok {
		return raftpb.LoginResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	return raftpb.LoginResponse{
		ClientResponse: raftpb.ClientResponse{Success: out.status == usermanager.Ok},
		Status:         out.status.String(),
		UUID:           out.uuid,
	}, nil
}

// HandleLogout is the Logout RPC.
func (n *Node) HandleLogout(ctx context.Context, req raftpb.LogoutRequest) (raftpb.LogoutResponse, error) {
	leaderID, ok := n.checkWritableRole()
	if !ok {
		return raftpb.LogoutResponse{ClientResponse: raftpb.ClientResponse{Success: false, LeaderID: leaderID}}, nil
	}

	if req.UUID != "" && !n.users.IsLoggedIn(req.UUID) {
		return raftpb.LogoutResponse{ClientResponse: raftpb.ClientResponse{Success: false}, Status: usermanager.UnknownUser.String()}, nil
	}

	idx, ack, err := n.appendClientEntry(raftpb.Logout, req.UUID, "", "")
	if err != nil {
		return raftpb.LogoutResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	out, ok := n.waitAck(ctx, idx, ack)
	if !ok {
		return raftpb.LogoutResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	return raftpb.LogoutResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Status: out.status.String()}, nil
}

// HandleRegister is the Register RPC: creates (or overwrites) an
// account, idempotently, matching usermanager.Manager.Register.
func (n *Node) HandleRegister(ctx context.Context, req raftpb.RegisterRequest) (raftpb.RegisterResponse, error) {
	leaderID, ok := n.checkWritableRole()
	if !ok {
		return raftpb.RegisterResponse{ClientResponse: raftpb.ClientResponse{Success: false, LeaderID: leaderID}}, nil
	}

	idx, ack, err := n.appendClientEntry(raftpb.Register, "", req.Username, req.Password)
	if err != nil {
		return raftpb.RegisterResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	out, ok := n.waitAck(ctx, idx, ack)
	if !ok {
		return raftpb.RegisterResponse{ClientResponse: raftpb.ClientResponse{Success: false}}, nil
	}
	return raftpb.RegisterResponse{ClientResponse: raftpb.ClientResponse{Success: true}, Status: out.status.String()}, nil
}

// checkWritableRole rejects the non-leader/candidate cases shared by
// the auth RPCs, which (unlike the KV RPCs) don't gate on safe mode or
// uuid liveness before appending their entry.
func (n *Node) checkWritableRole() (leaderID string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.status {
	case raftpb.Follower:
		return n.currentLeader, false
	case raftpb.Candidate:
		return "", false
	}
	return "", true
}
