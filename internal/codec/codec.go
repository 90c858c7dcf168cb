// Package codec defines the wire shape of Raft RPC messages and their
// translation to and from bytes. The wire format is JSON; nothing outside
// this package should know that.
package codec

import (
	"encoding/json"
	"fmt"
)

// MsgType identifies the kind of payload carried by a Message.
type MsgType string

const (
	MsgVoteRequest    MsgType = "vote_request"
	MsgVoteResponse   MsgType = "vote_response"
	MsgAppendEntries  MsgType = "append_entries"
	MsgAppendResponse MsgType = "append_response"
)

// Addr is the host/port pair identifying the sender of a Message.
type Addr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Entry mirrors raft.LogEntry on the wire.
type Entry struct {
	Term      uint64 `json:"term"`
	Index     int64  `json:"index"`
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
}

// VoteRequest is the payload of a vote_request message.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse is the payload of a vote_response message.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntries is the payload of an append_entries message.
type AppendEntries struct {
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex int64   `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries"`
	LeaderCommit int64   `json:"leader_commit"`
}

// AppendResponse is the payload of an append_response message.
type AppendResponse struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex int64  `json:"match_index"`
}

// Message is the external envelope every RPC travels in: a type tag, an
// opaque (to the transport) payload, and the sender's address.
type Message struct {
	MsgType MsgType         `json:"msg_type"`
	Data    json.RawMessage `json:"data"`
	Sender  Addr            `json:"sender"`
}

func pack(msgType MsgType, sender Addr, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("codec: marshal %s payload: %w", msgType, err)
	}
	return Message{MsgType: msgType, Data: raw, Sender: sender}, nil
}

func NewVoteRequest(sender Addr, req VoteRequest) (Message, error) {
	return pack(MsgVoteRequest, sender, req)
}

func NewVoteResponse(sender Addr, resp VoteResponse) (Message, error) {
	return pack(MsgVoteResponse, sender, resp)
}

func NewAppendEntries(sender Addr, req AppendEntries) (Message, error) {
	return pack(MsgAppendEntries, sender, req)
}

func NewAppendResponse(sender Addr, resp AppendResponse) (Message, error) {
	return pack(MsgAppendResponse, sender, resp)
}

// DecodeVoteRequest unmarshals the Data field of a vote_request Message.
func DecodeVoteRequest(m Message) (VoteRequest, error) {
	var v VoteRequest
	err := json.Unmarshal(m.Data, &v)
	return v, err
}

// DecodeVoteResponse unmarshals the Data field of a vote_response Message.
func DecodeVoteResponse(m Message) (VoteResponse, error) {
	var v VoteResponse
	err := json.Unmarshal(m.Data, &v)
	return v, err
}

// DecodeAppendEntries unmarshals the Data field of an append_entries Message.
func DecodeAppendEntries(m Message) (AppendEntries, error) {
	var v AppendEntries
	err := json.Unmarshal(m.Data, &v)
	return v, err
}

// DecodeAppendResponse unmarshals the Data field of an append_response Message.
func DecodeAppendResponse(m Message) (AppendResponse, error) {
	var v AppendResponse
	err := json.Unmarshal(m.Data, &v)
	return v, err
}

// Marshal renders a Message to the self-describing body that the
// transport's length prefix wraps.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a message body produced by Marshal. Unknown top-level
// keys are ignored by encoding/json already; an unrecognized msg_type is
// not an error here, the caller drops it (see dispatch in the raft
// package).
func Unmarshal(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
