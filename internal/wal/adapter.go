package wal

import "github.com/mathdee/raftkv/internal/raft"

// Adapter satisfies raft.Persister by translating the role engine's
// (term, votedFor) and log-entry callbacks into WAL records. Kept
// separate from WAL itself so that this file is the only place in the
// wal package that imports raft.
type Adapter struct {
	wal *WAL
}

// NewAdapter wraps an open WAL as a raft.Persister.
func NewAdapter(w *WAL) *Adapter {
	return &Adapter{wal: w}
}

// PersistState implements raft.Persister.
func (a *Adapter) PersistState(term uint64, votedFor string) error {
	return a.wal.AppendState(term, votedFor)
}

// PersistEntry implements raft.Persister.
func (a *Adapter) PersistEntry(entry raft.LogEntry) error {
	return a.wal.AppendEntry(Entry{
		Term:      entry.Term,
		Index:     entry.Index,
		Command:   entry.Command,
		Timestamp: entry.Timestamp,
	})
}

var _ raft.Persister = (*Adapter)(nil)
