package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/codec"
	"github.com/mathdee/raftkv/internal/statemachine"
	"github.com/mathdee/raftkv/internal/transport"
)

func testNode(t *testing.T, self transport.Peer, peers []transport.Peer) *Node {
	t.Helper()
	srv := transport.NewServer(self.Port, nil)
	cfg := Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         200 * time.Millisecond,
	}
	return New(self, peers, cfg, srv, statemachine.New(), nil, nil, nil, nil)
}

func TestHandleVoteRequestGrantsForUpToDateCandidate(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	other := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, other})

	msg, err := codec.NewVoteRequest(codec.Addr{Host: other.Host, Port: other.Port}, codec.VoteRequest{
		Term: 1, CandidateID: other.ID(), LastLogIndex: -1, LastLogTerm: 0,
	})
	require.NoError(t, err)

	resp, err := n.handleVoteRequest(msg)
	require.NoError(t, err)
	body, err := codec.DecodeVoteResponse(*resp)
	require.NoError(t, err)
	require.True(t, body.VoteGranted)
	require.Equal(t, uint64(1), n.currentTerm)
	require.Equal(t, other.ID(), n.votedFor)
}

func TestHandleVoteRequestRejectsStaleTerm(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	other := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, other})
	n.currentTerm = 5

	msg, err := codec.NewVoteRequest(codec.Addr{}, codec.VoteRequest{Term: 3, CandidateID: other.ID()})
	require.NoError(t, err)

	resp, err := n.handleVoteRequest(msg)
	require.NoError(t, err)
	body, err := codec.DecodeVoteResponse(*resp)
	require.NoError(t, err)
	require.False(t, body.VoteGranted)
	require.Equal(t, uint64(5), body.Term)
}

func TestHandleVoteRequestRejectsAlreadyVotedForSomeoneElse(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	a := transport.Peer{Host: "127.0.0.1", Port: 9002}
	b := transport.Peer{Host: "127.0.0.1", Port: 9003}
	n := testNode(t, self, []transport.Peer{self, a, b})
	n.currentTerm = 1
	n.votedFor = a.ID()

	msg, err := codec.NewVoteRequest(codec.Addr{}, codec.VoteRequest{Term: 1, CandidateID: b.ID()})
	require.NoError(t, err)

	resp, err := n.handleVoteRequest(msg)
	require.NoError(t, err)
	body, err := codec.DecodeVoteResponse(*resp)
	require.NoError(t, err)
	require.False(t, body.VoteGranted)
}

func TestHandleVoteRequestRejectsShorterLog(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	other := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, other})
	n.currentTerm = 2
	n.log = []LogEntry{{Term: 2, Index: 0, Command: "SET a 1"}, {Term: 2, Index: 1, Command: "SET b 2"}}

	msg, err := codec.NewVoteRequest(codec.Addr{}, codec.VoteRequest{Term: 2, CandidateID: other.ID(), LastLogIndex: 0, LastLogTerm: 2})
	require.NoError(t, err)

	resp, err := n.handleVoteRequest(msg)
	require.NoError(t, err)
	body, err := codec.DecodeVoteResponse(*resp)
	require.NoError(t, err)
	require.False(t, body.VoteGranted)
}

func TestHandleAppendEntriesRejectsStaleTerm(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	leader := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, leader})
	n.currentTerm = 5

	msg, err := codec.NewAppendEntries(codec.Addr{}, codec.AppendEntries{Term: 3, LeaderID: leader.ID(), PrevLogIndex: -1})
	require.NoError(t, err)

	resp, err := n.handleAppendEntries(msg)
	require.NoError(t, err)
	body, err := codec.DecodeAppendResponse(*resp)
	require.NoError(t, err)
	require.False(t, body.Success)
	require.Equal(t, uint64(5), body.Term)
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	leader := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, leader})
	n.log = []LogEntry{{Term: 1, Index: 0, Command: "SET a 1"}}

	msg, err := codec.NewAppendEntries(codec.Addr{}, codec.AppendEntries{
		Term: 1, LeaderID: leader.ID(), PrevLogIndex: 1, PrevLogTerm: 1,
	})
	require.NoError(t, err)

	resp, err := n.handleAppendEntries(msg)
	require.NoError(t, err)
	body, err := codec.DecodeAppendResponse(*resp)
	require.NoError(t, err)
	require.False(t, body.Success)
}

func TestHandleAppendEntriesAppendsAndCommits(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	leader := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, leader})

	msg, err := codec.NewAppendEntries(codec.Addr{}, codec.AppendEntries{
		Term: 1, LeaderID: leader.ID(), PrevLogIndex: -1,
		Entries: []codec.Entry{
			{Term: 1, Index: 0, Command: "SET a 1"},
			{Term: 1, Index: 1, Command: "SET b 2"},
		},
		LeaderCommit: 1,
	})
	require.NoError(t, err)

	resp, err := n.handleAppendEntries(msg)
	require.NoError(t, err)
	body, err := codec.DecodeAppendResponse(*resp)
	require.NoError(t, err)
	require.True(t, body.Success)
	require.Equal(t, int64(1), body.MatchIndex)
	require.Equal(t, int64(1), n.commitIndex)
	require.Equal(t, int64(1), n.lastApplied)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, n.sm.Snapshot())
}

func TestHandleAppendEntriesTruncatesOnConflict(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	leader := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, leader})
	n.log = []LogEntry{
		{Term: 1, Index: 0, Command: "SET a 1"},
		{Term: 1, Index: 1, Command: "SET b stale"},
	}

	msg, err := codec.NewAppendEntries(codec.Addr{}, codec.AppendEntries{
		Term: 2, LeaderID: leader.ID(), PrevLogIndex: 0, PrevLogTerm: 1,
		Entries: []codec.Entry{{Term: 2, Index: 1, Command: "SET b fresh"}},
	})
	require.NoError(t, err)

	resp, err := n.handleAppendEntries(msg)
	require.NoError(t, err)
	body, err := codec.DecodeAppendResponse(*resp)
	require.NoError(t, err)
	require.True(t, body.Success)
	require.Len(t, n.log, 2)
	require.Equal(t, "SET b fresh", n.log[1].Command)
	require.Equal(t, uint64(2), n.log[1].Term)
}

func TestHandleAppendEntriesReplayIsIdempotent(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	leader := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, leader})

	req := codec.AppendEntries{
		Term: 1, LeaderID: leader.ID(), PrevLogIndex: -1,
		Entries:      []codec.Entry{{Term: 1, Index: 0, Command: "SET a 1"}},
		LeaderCommit: 0,
	}
	msg, err := codec.NewAppendEntries(codec.Addr{}, req)
	require.NoError(t, err)

	_, err = n.handleAppendEntries(msg)
	require.NoError(t, err)
	_, err = n.handleAppendEntries(msg)
	require.NoError(t, err)

	require.Len(t, n.log, 1)
	require.Equal(t, int64(0), n.commitIndex)
}

func TestBecomeCandidateSingleNodeWinsImmediately(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	n := testNode(t, self, []transport.Peer{self})

	n.becomeCandidate(time.Now())
	require.Equal(t, RoleLeader, n.role)
	require.Equal(t, uint64(1), n.currentTerm)
}

func TestSubmitOnlyAcceptedByLeader(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	other := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, other})

	res := n.submitLocked("SET a 1")
	require.False(t, res.Accepted)

	n.becomeCandidate(time.Now())
	n.votesGranted = n.total/2 + 1
	n.checkElectionWon()
	require.Equal(t, RoleLeader, n.role)

	res = n.submitLocked("SET a 1")
	require.True(t, res.Accepted)
	require.Len(t, n.log, 1)
}

func TestUpdateCommitIndexRequiresMajorityAndCurrentTerm(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	a := transport.Peer{Host: "127.0.0.1", Port: 9002}
	b := transport.Peer{Host: "127.0.0.1", Port: 9003}
	n := testNode(t, self, []transport.Peer{self, a, b})
	n.role = RoleLeader
	n.currentTerm = 2
	n.log = []LogEntry{{Term: 1, Index: 0}, {Term: 2, Index: 1}, {Term: 2, Index: 2}}
	n.nextIndex[a.ID()] = 3
	n.nextIndex[b.ID()] = 0
	n.matchIndex[a.ID()] = 2
	n.matchIndex[b.ID()] = -1

	// self(2) + a(2) is a majority of 3, and log[2].term == currentTerm, so commit advances to 2.
	n.updateCommitIndex()
	require.Equal(t, int64(2), n.commitIndex)
}

func TestUpdateCommitIndexRefusesEntryFromEarlierTerm(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	a := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, a})
	n.role = RoleLeader
	n.currentTerm = 3
	n.log = []LogEntry{{Term: 1, Index: 0}}
	n.matchIndex[a.ID()] = 0

	n.updateCommitIndex()
	require.Equal(t, int64(-1), n.commitIndex)
}

func TestPausedNodeIgnoresTicksAndDropsRPCs(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	n := testNode(t, self, []transport.Peer{self})
	n.Pause()

	n.tick(time.Now().Add(time.Hour)) // would trigger an election timeout if not paused
	require.Equal(t, RoleFollower, n.role)
	require.Equal(t, uint64(0), n.currentTerm)

	respCh := make(chan rpcResult, 1)
	msg, err := codec.NewVoteRequest(codec.Addr{}, codec.VoteRequest{Term: 1, CandidateID: "x"})
	require.NoError(t, err)
	n.dispatch(rpcRequest{msg: msg, respCh: respCh})
	res := <-respCh
	require.Nil(t, res.msg)
	require.NoError(t, res.err)
}

func TestResumeRejoinsAsFollowerWithClearedVote(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	other := transport.Peer{Host: "127.0.0.1", Port: 9002}
	n := testNode(t, self, []transport.Peer{self, other})
	n.becomeCandidate(time.Now())
	require.Equal(t, RoleCandidate, n.role)

	n.Pause()
	n.tick(time.Now())
	n.Resume()
	n.tick(time.Now())

	require.Equal(t, RoleFollower, n.role)
	require.Empty(t, n.votedFor)
}

func TestApplyCommittedInvokesCallbackInIncreasingOrder(t *testing.T) {
	self := transport.Peer{Host: "127.0.0.1", Port: 9001}
	var applied []int64
	srv := transport.NewServer(self.Port, nil)
	n := New(self, []transport.Peer{self}, DefaultConfig(), srv, statemachine.New(), func(e LogEntry, _ string) {
		applied = append(applied, e.Index)
	}, nil, nil, nil)

	n.log = []LogEntry{{Term: 1, Index: 0, Command: "SET a 1"}, {Term: 1, Index: 1, Command: "SET b 2"}}
	n.commitIndex = 1
	n.applyCommitted()

	require.Equal(t, []int64{0, 1}, applied)
	require.Equal(t, int64(1), n.lastApplied)
}
