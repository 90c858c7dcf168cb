package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripVoteRequest(t *testing.T) {
	sender := Addr{Host: "10.0.0.1", Port: 9001}
	want := VoteRequest{Term: 4, CandidateID: "10.0.0.1:9001", LastLogIndex: 7, LastLogTerm: 3}

	msg, err := NewVoteRequest(sender, want)
	require.NoError(t, err)
	require.Equal(t, MsgVoteRequest, msg.MsgType)

	raw, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, msg.MsgType, decoded.MsgType)
	require.Equal(t, sender, decoded.Sender)

	got, err := DecodeVoteRequest(decoded)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRoundTripAppendEntries(t *testing.T) {
	sender := Addr{Host: "localhost", Port: 9002}
	want := AppendEntries{
		Term:         2,
		LeaderID:     "localhost:9002",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []Entry{
			{Term: 2, Index: 2, Command: "SET a 1", Timestamp: 1000},
		},
		LeaderCommit: 0,
	}

	msg, err := NewAppendEntries(sender, want)
	require.NoError(t, err)

	raw, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(raw)
	require.NoError(t, err)

	got, err := DecodeAppendEntries(decoded)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnknownMsgTypeDoesNotError(t *testing.T) {
	raw := []byte(`{"msg_type":"ping","data":{},"sender":{"host":"h","port":1}}`)
	msg, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, MsgType("ping"), msg.MsgType)
}

func TestUnknownTopLevelKeysIgnored(t *testing.T) {
	raw := []byte(`{"msg_type":"vote_response","data":{"term":1,"vote_granted":true},"sender":{"host":"h","port":1},"extra":"ignored"}`)
	msg, err := Unmarshal(raw)
	require.NoError(t, err)

	resp, err := DecodeVoteResponse(msg)
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(1), resp.Term)
}
