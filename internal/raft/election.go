package raft

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftkv/internal/codec"
	"github.com/mathdee/raftkv/internal/transport"
)

// becomeCandidate starts a new election round: increments the term, votes
// for self, and fans out vote requests to every peer concurrently. Votes
// trickle back on voteResultCh so the supervisor loop never blocks
// waiting for the round to finish; a node with no peers wins immediately.
func (n *Node) becomeCandidate(now time.Time) {
	n.currentTerm++
	n.votedFor = n.self.ID()
	n.role = RoleCandidate
	n.lastElectionTime = now
	n.electionTimeout = n.randomElectionTimeout()
	n.votesGranted = 1
	n.persistState()

	n.reportRole()
	n.reportTerm()
	n.logger.Info("starting election", zap.Uint64("term", n.currentTerm))

	if n.checkElectionWon() {
		return
	}

	term := n.currentTerm
	lastIdx, lastTerm := n.lastLogIndexAndTerm()
	req := codec.VoteRequest{
		Term:         term,
		CandidateID:  n.self.ID(),
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	sender := n.selfAddr()

	for _, p := range n.peers {
		peer := p
		go func() {
			msg, err := codec.NewVoteRequest(sender, req)
			if err != nil {
				return
			}

			start := time.Now()
			resp := transport.SendWithResponse(context.Background(), peer, msg, n.cfg.RPCTimeout)
			if n.metrics != nil {
				n.metrics.ObserveRPCLatency("vote_request", time.Since(start))
			}
			if resp == nil {
				return
			}

			body, err := codec.DecodeVoteResponse(*resp)
			if err != nil {
				return
			}

			select {
			case n.voteResultCh <- voteResult{term: term, granted: body.VoteGranted, peerTerm: body.Term}:
			case <-n.stopCh:
			}
		}()
	}
}

// checkElectionWon transitions to leader once votesGranted reaches a
// majority of the cluster, including this node.
func (n *Node) checkElectionWon() bool {
	quorum := n.total/2 + 1
	if n.votesGranted >= quorum {
		n.becomeLeader()
		return true
	}
	return false
}

func (n *Node) handleVoteResult(res voteResult) {
	if n.role != RoleCandidate || res.term != n.currentTerm {
		return // stale reply from an election round we've already left
	}
	if res.peerTerm > n.currentTerm {
		n.logger.Info("discovered higher term while waiting for votes, stepping down", zap.Uint64("term", res.peerTerm))
		n.stepDown(res.peerTerm)
		return
	}
	if res.granted {
		n.votesGranted++
		n.checkElectionWon()
	}
}

// handleVoteRequest implements the RequestVote RPC: grant the vote iff
// the candidate's term is at least as current as ours, we have not
// already voted for someone else this term, and the candidate's log is
// at least as up to date as ours.
func (n *Node) handleVoteRequest(msg codec.Message) (*codec.Message, error) {
	req, err := codec.DecodeVoteRequest(msg)
	if err != nil {
		return nil, nil // malformed payload: drop silently
	}

	if req.Term > n.currentTerm {
		n.currentTerm = req.Term
		n.votedFor = ""
		n.role = RoleFollower
		n.persistState()
		n.reportRole()
		n.reportTerm()
	}

	granted := false
	if req.Term >= n.currentTerm && (n.votedFor == "" || n.votedFor == req.CandidateID) {
		if n.candidateLogUpToDate(req.LastLogTerm, req.LastLogIndex) {
			granted = true
			n.votedFor = req.CandidateID
			n.lastHeartbeat = time.Now()
			n.electionTimeout = n.randomElectionTimeout()
			n.persistState()
		}
	}

	resp, err := codec.NewVoteResponse(n.selfAddr(), codec.VoteResponse{Term: n.currentTerm, VoteGranted: granted})
	return &resp, err
}

// candidateLogUpToDate compares (term, index) pairs the way the log
// comparison rule requires: higher term wins outright; on a tied term,
// the longer log wins.
func (n *Node) candidateLogUpToDate(term uint64, index int64) bool {
	myIndex, myTerm := n.lastLogIndexAndTerm()
	if term != myTerm {
		return term > myTerm
	}
	return index >= myIndex
}
