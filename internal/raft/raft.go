// Package raft implements the leader-based consensus core: the
// follower/candidate/leader role state machine, election and heartbeat
// timers, log replication bookkeeping, the commit/apply pipeline, and the
// leader-only command API. A single goroutine (Run) owns all protocol
// state; RPC handlers and external callers (Submit, Status) communicate
// with it over channels rather than touching state directly, so the
// supervisor loop is the sole writer regardless of how many connections
// or callers are active concurrently.
package raft

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mathdee/raftkv/internal/codec"
	"github.com/mathdee/raftkv/internal/transport"
)

// Role is one of the three mutually exclusive states a node can occupy.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ErrStopped is returned by Submit/Status when the node's supervisor loop
// has already exited.
var ErrStopped = errors.New("raft: node stopped")

// ErrNotLeader is returned by Submit when this node cannot accept the
// command itself, either because another node holds leadership or
// because this node is currently simulating a failure via Pause.
// Callers should retry against whichever node Status reports as leader.
var ErrNotLeader = errors.New("raft: not leader")

// tickInterval bounds how often the supervisor loop reevaluates timers.
const tickInterval = 100 * time.Millisecond

// LogEntry is the immutable unit of replication.
type LogEntry struct {
	Term      uint64
	Index     int64
	Command   string
	Timestamp time.Time
}

// Config carries the policy constants the role engine is built around.
// Callers should start from DefaultConfig and override only what a test
// or deployment genuinely needs to change.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

// DefaultConfig returns the default timing policy.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		HeartbeatInterval:  500 * time.Millisecond,
		RPCTimeout:         5 * time.Second,
	}
}

// Applier is the deterministic state machine a committed entry is run
// against. Isolated behind an interface so a different state machine can
// be plugged in without touching the role engine.
type Applier interface {
	Apply(command string) string
	Snapshot() map[string]string
}

// CommitFunc is invoked, if registered, once per newly applied entry.
type CommitFunc func(entry LogEntry, result string)

// Metrics receives observability callbacks from the role engine. A nil
// Metrics is valid; every call site guards against it.
type Metrics interface {
	SetRole(Role)
	SetTerm(uint64)
	SetCommitIndex(int64)
	SetLogLength(int)
	ObserveRPCLatency(kind string, d time.Duration)
}

// Persister durably records the two things a node must recover after a
// restart: its (term, votedFor) pair and its log entries. A nil
// Persister is valid; every call site guards against it.
type Persister interface {
	PersistState(term uint64, votedFor string) error
	PersistEntry(entry LogEntry) error
}

type rpcRequest struct {
	msg    codec.Message
	respCh chan rpcResult
}

type rpcResult struct {
	msg *codec.Message
	err error
}

type submitRequest struct {
	command string
	respCh  chan SubmitResult
}

type statusRequest struct {
	respCh chan Status
}

type voteResult struct {
	term     uint64
	granted  bool
	peerTerm uint64
}

type appendResult struct {
	peerID string
	term   uint64
	resp   codec.AppendResponse
}

// SubmitResult is the outcome of a Submit call.
type SubmitResult struct {
	Accepted bool
	Index    int64
	Term     uint64
}

// Status is a point-in-time snapshot of a node's externally visible state.
type Status struct {
	ID          string
	Role        Role
	Term        uint64
	VotedFor    string
	LogLength   int
	CommitIndex int64
	LastApplied int64
	State       map[string]string
}

// Node is a single peer's consensus state and supervisor loop.
type Node struct {
	self  transport.Peer
	peers []transport.Peer // configured peers, excluding self
	total int              // len(peers) + 1, used for quorum math

	cfg       Config
	transport *transport.Server
	sm        Applier
	onCommit  CommitFunc
	metrics   Metrics
	persist   Persister
	logger    *zap.Logger
	rng       *rand.Rand

	rpcCh        chan rpcRequest
	submitCh     chan submitRequest
	statusCh     chan statusRequest
	voteResultCh chan voteResult
	appendResCh  chan appendResult
	stopCh       chan struct{}

	// Protocol state. Touched only from the Run goroutine.
	currentTerm uint64
	votedFor    string
	log         []LogEntry
	commitIndex int64
	lastApplied int64
	role        Role

	nextIndex  map[string]int64
	matchIndex map[string]int64

	lastHeartbeat       time.Time // follower: last valid contact from a leader
	lastElectionTime    time.Time // candidate: when the current election round started
	lastLeaderBroadcast time.Time // leader: last time AppendEntries was fanned out
	electionTimeout     time.Duration

	votesGranted int

	// paused simulates a node failure for failover demos without tearing
	// down the process: while set, the supervisor skips election/heartbeat
	// logic entirely and inbound RPCs are dropped with no reply, as if the
	// node were unreachable. It is read from the supervisor goroutine and
	// written from whatever goroutine calls Pause/Resume (typically an
	// HTTP handler), so it is the one piece of Node state kept outside the
	// channel discipline on purpose.
	paused   atomic.Bool
	wasPaused bool
}

// Pause simulates total node failure: the supervisor loop stops
// initiating or responding to any raft traffic until Resume is called.
func (n *Node) Pause() {
	n.paused.Store(true)
}

// Resume ends a simulated failure. The node rejoins as a follower with a
// freshly randomized election timeout, the same as a real process
// restarting.
func (n *Node) Resume() {
	n.paused.Store(false)
}

// IsPaused reports whether the node is currently simulating a failure.
func (n *Node) IsPaused() bool {
	return n.paused.Load()
}

// New constructs a Node. transportSrv must not have Serve called on it yet;
// Run installs the handler and starts serving.
func New(self transport.Peer, peers []transport.Peer, cfg Config, transportSrv *transport.Server, sm Applier, onCommit CommitFunc, metrics Metrics, persist Persister, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}

	others := make([]transport.Peer, 0, len(peers))
	for _, p := range peers {
		if !p.Equal(self) {
			others = append(others, p)
		}
	}

	return &Node{
		self:         self,
		peers:        others,
		total:        len(others) + 1,
		cfg:          cfg,
		transport:    transportSrv,
		sm:           sm,
		onCommit:     onCommit,
		metrics:      metrics,
		persist:      persist,
		logger:       logger.With(zap.String("id", self.ID())),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		rpcCh:        make(chan rpcRequest),
		submitCh:     make(chan submitRequest),
		statusCh:     make(chan statusRequest),
		voteResultCh: make(chan voteResult, len(others)),
		appendResCh:  make(chan appendResult, len(others)),
		stopCh:       make(chan struct{}),
		commitIndex:  -1,
		lastApplied:  -1,
		role:         RoleFollower,
		nextIndex:    make(map[string]int64),
		matchIndex:   make(map[string]int64),
	}
}

// Restore seeds a freshly constructed Node with state recovered from the
// write-ahead log. It must be called before Run.
func (n *Node) Restore(term uint64, votedFor string, log []LogEntry) {
	n.currentTerm = term
	n.votedFor = votedFor
	n.log = log
}

func (n *Node) persistState() {
	if n.persist == nil {
		return
	}
	if err := n.persist.PersistState(n.currentTerm, n.votedFor); err != nil {
		n.logger.Error("failed to persist term/vote", zap.Error(err))
	}
}

func (n *Node) persistEntry(entry LogEntry) {
	if n.persist == nil {
		return
	}
	if err := n.persist.PersistEntry(entry); err != nil {
		n.logger.Error("failed to persist log entry", zap.Error(err), zap.Int64("index", entry.Index))
	}
}

// Run installs the node's RPC handler on its transport, starts serving,
// and runs the supervisor loop until ctx is canceled. It returns the
// transport's terminal error, if any, or ctx.Err().
func (n *Node) Run(ctx context.Context) error {
	defer close(n.stopCh)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- n.transport.Serve(n.handleInbound)
	}()

	now := time.Now()
	n.lastHeartbeat = now
	n.electionTimeout = n.randomElectionTimeout()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	n.logger.Info("raft node started", zap.Int("peers", len(n.peers)))

	for {
		select {
		case <-ctx.Done():
			_ = n.transport.Stop()
			return ctx.Err()

		case err := <-serveErrCh:
			return err

		case req := <-n.rpcCh:
			n.dispatch(req)

		case req := <-n.submitCh:
			req.respCh <- n.submitLocked(req.command)

		case req := <-n.statusCh:
			req.respCh <- n.statusLocked()

		case res := <-n.voteResultCh:
			n.handleVoteResult(res)

		case res := <-n.appendResCh:
			n.handleAppendResult(res)

		case now := <-ticker.C:
			n.tick(now)
		}
	}
}

func (n *Node) tick(now time.Time) {
	if n.paused.Load() {
		n.wasPaused = true
		return
	}
	if n.wasPaused {
		n.wasPaused = false
		n.role = RoleFollower
		n.votedFor = ""
		n.lastHeartbeat = now
		n.lastElectionTime = now
		n.electionTimeout = n.randomElectionTimeout()
		n.reportRole()
		n.logger.Info("resumed from simulated failure, rejoining as follower")
	}

	switch n.role {
	case RoleFollower:
		if now.Sub(n.lastHeartbeat) > n.electionTimeout {
			n.logger.Info("election timeout, becoming candidate")
			n.becomeCandidate(now)
		}
	case RoleCandidate:
		if now.Sub(n.lastElectionTime) > n.electionTimeout {
			n.logger.Info("election round timed out without a majority, restarting")
			n.becomeCandidate(now)
		}
	case RoleLeader:
		if now.Sub(n.lastLeaderBroadcast) >= n.cfg.HeartbeatInterval {
			n.broadcastAppendEntries(now)
		}
		n.updateCommitIndex()
		n.applyCommitted()
	}
}

// Submit appends command to the log if this node is currently leader.
// Replication happens asynchronously; the caller observes progress via
// Status.
func (n *Node) Submit(ctx context.Context, command string) (SubmitResult, error) {
	respCh := make(chan SubmitResult, 1)
	select {
	case n.submitCh <- submitRequest{command: command, respCh: respCh}:
	case <-n.stopCh:
		return SubmitResult{}, ErrStopped
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}

	select {
	case res := <-respCh:
		if !res.Accepted {
			return res, ErrNotLeader
		}
		return res, nil
	case <-n.stopCh:
		return SubmitResult{}, ErrStopped
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Status returns a point-in-time snapshot of the node's externally
// visible state.
func (n *Node) Status(ctx context.Context) (Status, error) {
	respCh := make(chan Status, 1)
	select {
	case n.statusCh <- statusRequest{respCh: respCh}:
	case <-n.stopCh:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case res := <-respCh:
		return res, nil
	case <-n.stopCh:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (n *Node) submitLocked(command string) SubmitResult {
	if n.paused.Load() || n.role != RoleLeader {
		return SubmitResult{Accepted: false}
	}

	entry := LogEntry{
		Term:      n.currentTerm,
		Index:     int64(len(n.log)),
		Command:   command,
		Timestamp: time.Now(),
	}
	n.log = append(n.log, entry)
	n.reportLogLength()
	n.persistEntry(entry)

	n.logger.Info("leader appended entry", zap.Int64("index", entry.Index), zap.String("command", command))
	n.broadcastAppendEntries(time.Now())

	return SubmitResult{Accepted: true, Index: entry.Index, Term: entry.Term}
}

func (n *Node) statusLocked() Status {
	return Status{
		ID:          n.self.ID(),
		Role:        n.role,
		Term:        n.currentTerm,
		VotedFor:    n.votedFor,
		LogLength:   len(n.log),
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		State:       n.sm.Snapshot(),
	}
}

func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry := n.log[n.lastApplied]
		result := n.sm.Apply(entry.Command)
		if n.onCommit != nil {
			n.onCommit(entry, result)
		}
	}
}

func (n *Node) stepDown(term uint64) {
	n.currentTerm = term
	n.votedFor = ""
	n.role = RoleFollower
	n.lastHeartbeat = time.Now()
	n.electionTimeout = n.randomElectionTimeout()
	n.persistState()
	n.reportRole()
	n.reportTerm()
}

func (n *Node) lastLogIndexAndTerm() (int64, uint64) {
	if len(n.log) == 0 {
		return -1, 0
	}
	last := n.log[len(n.log)-1]
	return last.Index, last.Term
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := int64(n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin)
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(span+1))
}

func (n *Node) selfAddr() codec.Addr {
	return codec.Addr{Host: n.self.Host, Port: n.self.Port}
}

func (n *Node) reportRole() {
	if n.metrics != nil {
		n.metrics.SetRole(n.role)
	}
}

func (n *Node) reportTerm() {
	if n.metrics != nil {
		n.metrics.SetTerm(n.currentTerm)
	}
}

func (n *Node) reportCommitIndex() {
	if n.metrics != nil {
		n.metrics.SetCommitIndex(n.commitIndex)
	}
}

func (n *Node) reportLogLength() {
	if n.metrics != nil {
		n.metrics.SetLogLength(len(n.log))
	}
}

func toWireEntry(e LogEntry) codec.Entry {
	return codec.Entry{Term: e.Term, Index: e.Index, Command: e.Command, Timestamp: e.Timestamp.UnixNano()}
}

func fromWireEntry(e codec.Entry) LogEntry {
	return LogEntry{Term: e.Term, Index: e.Index, Command: e.Command, Timestamp: time.Unix(0, e.Timestamp)}
}
