package raft

import (
	"context"

	"github.com/mathdee/raftkv/internal/codec"
)

// handleInbound is installed as the transport's Handler. It runs on the
// connection's own goroutine, not the supervisor goroutine: it packages
// the message into an rpcRequest and blocks on respCh, so the supervisor
// loop remains the only goroutine that ever reads or writes protocol
// state.
func (n *Node) handleInbound(ctx context.Context, msg codec.Message) (*codec.Message, error) {
	respCh := make(chan rpcResult, 1)

	select {
	case n.rpcCh <- rpcRequest{msg: msg, respCh: respCh}:
	case <-n.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-respCh:
		return res.msg, res.err
	case <-n.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch runs on the supervisor goroutine and routes an inbound RPC to
// its handler. An unrecognized msg_type is dropped (nil, nil) rather than
// treated as an error.
func (n *Node) dispatch(req rpcRequest) {
	if n.paused.Load() {
		req.respCh <- rpcResult{nil, nil} // simulate total unreachability
		return
	}

	var resp *codec.Message
	var err error

	switch req.msg.MsgType {
	case codec.MsgVoteRequest:
		resp, err = n.handleVoteRequest(req.msg)
	case codec.MsgAppendEntries:
		resp, err = n.handleAppendEntries(req.msg)
	default:
		resp, err = nil, nil
	}

	req.respCh <- rpcResult{msg: resp, err: err}
}
