package raft

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftkv/internal/codec"
	"github.com/mathdee/raftkv/internal/transport"
)

// becomeLeader initializes per-peer replication bookkeeping and sends an
// immediate AppendEntries round (a heartbeat even for up-to-date
// followers) so the cluster learns of the new leader without waiting out
// a full heartbeat interval.
func (n *Node) becomeLeader() {
	n.role = RoleLeader
	logLen := int64(len(n.log))
	for _, p := range n.peers {
		n.nextIndex[p.ID()] = logLen
		n.matchIndex[p.ID()] = -1
	}
	n.reportRole()
	n.logger.Info("elected leader", zap.Uint64("term", n.currentTerm), zap.Int64("logLength", logLen))
	n.broadcastAppendEntries(time.Now())
}

// broadcastAppendEntries fans out one AppendEntries RPC per peer,
// carrying whatever entries that peer's nextIndex says it is missing.
// Replies land asynchronously on appendResCh.
func (n *Node) broadcastAppendEntries(now time.Time) {
	n.lastLeaderBroadcast = now
	term := n.currentTerm
	leaderID := n.self.ID()
	commitIndex := n.commitIndex
	sender := n.selfAddr()

	for _, p := range n.peers {
		peer := p
		nextIdx := n.nextIndex[peer.ID()]
		prevLogIndex := nextIdx - 1

		var prevLogTerm uint64
		if prevLogIndex >= 0 && prevLogIndex < int64(len(n.log)) {
			prevLogTerm = n.log[prevLogIndex].Term
		}

		var entries []codec.Entry
		if nextIdx >= 0 && nextIdx < int64(len(n.log)) {
			for _, e := range n.log[nextIdx:] {
				entries = append(entries, toWireEntry(e))
			}
		}

		req := codec.AppendEntries{
			Term:         term,
			LeaderID:     leaderID,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: commitIndex,
		}

		go func() {
			msg, err := codec.NewAppendEntries(sender, req)
			if err != nil {
				return
			}

			start := time.Now()
			resp := transport.SendWithResponse(context.Background(), peer, msg, n.cfg.RPCTimeout)
			if n.metrics != nil {
				n.metrics.ObserveRPCLatency("append_entries", time.Since(start))
			}
			if resp == nil {
				return
			}

			body, err := codec.DecodeAppendResponse(*resp)
			if err != nil {
				return
			}

			select {
			case n.appendResCh <- appendResult{peerID: peer.ID(), term: term, resp: body}:
			case <-n.stopCh:
			}
		}()
	}
}

func (n *Node) handleAppendResult(res appendResult) {
	if n.role != RoleLeader || res.term != n.currentTerm {
		return // stale reply from a term we've since left
	}
	if res.resp.Term > n.currentTerm {
		n.logger.Info("discovered higher term from append response, stepping down", zap.Uint64("term", res.resp.Term))
		n.stepDown(res.resp.Term)
		return
	}

	if res.resp.Success {
		if res.resp.MatchIndex >= 0 {
			n.matchIndex[res.peerID] = res.resp.MatchIndex
			n.nextIndex[res.peerID] = res.resp.MatchIndex + 1
		}
		return
	}

	if n.nextIndex[res.peerID] > 0 {
		n.nextIndex[res.peerID]--
	}
}

// updateCommitIndex advances commitIndex to the highest index replicated
// on a majority of the cluster, provided that entry was written in the
// current term (the safety check that prevents a leader from committing,
// and thereby implicitly confirming, an entry from an earlier term).
// The leader's own copy of the log always counts as fully replicated on
// itself; only the other peers' matchIndex entries need confirmation.
func (n *Node) updateCommitIndex() {
	indices := make([]int64, 0, len(n.peers)+1)
	indices = append(indices, int64(len(n.log))-1)
	for _, p := range n.peers {
		indices = append(indices, n.matchIndex[p.ID()])
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })

	majorityIndex := indices[len(indices)/2]
	if majorityIndex <= n.commitIndex || majorityIndex < 0 || majorityIndex >= int64(len(n.log)) {
		return
	}
	if n.log[majorityIndex].Term != n.currentTerm {
		return
	}

	n.commitIndex = majorityIndex
	n.reportCommitIndex()
}

// handleAppendEntries implements the AppendEntries RPC: reject stale
// terms outright, otherwise treat the RPC as proof of a legitimate
// leader (reset the election timer, step down from candidate/leader if
// necessary), check log continuity at prevLogIndex, and on success graft
// in any new entries and advance the local commit index.
func (n *Node) handleAppendEntries(msg codec.Message) (*codec.Message, error) {
	req, err := codec.DecodeAppendEntries(msg)
	if err != nil {
		return nil, nil // malformed payload: drop silently
	}

	if req.Term < n.currentTerm {
		resp, err := codec.NewAppendResponse(n.selfAddr(), codec.AppendResponse{Term: n.currentTerm, Success: false, MatchIndex: -1})
		return &resp, err
	}

	if req.Term > n.currentTerm {
		n.currentTerm = req.Term
		n.votedFor = ""
		n.persistState()
		n.reportTerm()
	}
	if n.role != RoleFollower {
		n.role = RoleFollower
		n.reportRole()
	}
	n.lastHeartbeat = time.Now()
	n.electionTimeout = n.randomElectionTimeout()

	consistent := req.PrevLogIndex < 0 ||
		(req.PrevLogIndex < int64(len(n.log)) && n.log[req.PrevLogIndex].Term == req.PrevLogTerm)
	if !consistent {
		resp, err := codec.NewAppendResponse(n.selfAddr(), codec.AppendResponse{Term: n.currentTerm, Success: false, MatchIndex: -1})
		return &resp, err
	}

	for k, wireEntry := range req.Entries {
		idx := req.PrevLogIndex + 1 + int64(k)
		entry := fromWireEntry(wireEntry)
		switch {
		case idx < int64(len(n.log)):
			if n.log[idx].Term != entry.Term {
				n.log = append(n.log[:idx], entry)
				n.persistEntry(entry)
			}
			// same term at same index: already in the log, nothing to do
		case idx == int64(len(n.log)):
			n.log = append(n.log, entry)
			n.persistEntry(entry)
		}
	}
	n.reportLogLength()

	matchIndex := req.PrevLogIndex + int64(len(req.Entries))

	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if lastIdx := int64(len(n.log)) - 1; newCommit > lastIdx {
			newCommit = lastIdx
		}
		n.commitIndex = newCommit
		n.reportCommitIndex()
	}
	n.applyCommitted()

	resp, err := codec.NewAppendResponse(n.selfAddr(), codec.AppendResponse{Term: n.currentTerm, Success: true, MatchIndex: matchIndex})
	return &resp, err
}
