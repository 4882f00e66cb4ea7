// Package audit keeps a tamper-evident journal of terminal job results:
// a hash-chained, ed25519-signed JSONL file appended on every recorded
// outcome.
package audit

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one journaled job result.
type Entry struct {
	Index         int    `json:"index"`
	Timestamp     string `json:"timestamp"`
	JobID         string `json:"jobId"`
	JobName       string `json:"jobName,omitempty"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	TerminalStage string `json:"terminalStage,omitempty"`
	OutputHash    string `json:"outputHash,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	PrevHash      string `json:"prevHash"`
	Hash          string `json:"hash"`
	Signature     string `json:"signature"`
	PubKey        string `json:"pubKey"`
}

// canonicalData returns the JSON used for the entry hash. Hash,
// Signature and PubKey are excluded.
func (e *Entry) canonicalData() ([]byte, error) {
	view := struct {
		Index         int    `json:"index"`
		Timestamp     string `json:"timestamp"`
		JobID         string `json:"jobId"`
		JobName       string `json:"jobName,omitempty"`
		State         string `json:"state"`
		Reason        string `json:"reason,omitempty"`
		TerminalStage string `json:"terminalStage,omitempty"`
		OutputHash    string `json:"outputHash,omitempty"`
		AgentID       string `json:"agentId,omitempty"`
		PrevHash      string `json:"prevHash"`
	}{
		Index:         e.Index,
		Timestamp:     e.Timestamp,
		JobID:         e.JobID,
		JobName:       e.JobName,
		State:         e.State,
		Reason:        e.Reason,
		TerminalStage: e.TerminalStage,
		OutputHash:    e.OutputHash,
		AgentID:       e.AgentID,
		PrevHash:      e.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA-256 over the canonical data.
func (e *Entry) ComputeHash() (string, error) {
	data, err := e.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewEntry constructs an unsigned entry and computes its hash.
func NewEntry(index int, jobID, jobName, state, reason, terminalStage, outputHash, prevHash, agentID string) (*Entry, error) {
	e := &Entry{
		Index:         index,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		JobID:         jobID,
		JobName:       jobName,
		State:         state,
		Reason:        reason,
		TerminalStage: terminalStage,
		OutputHash:    outputHash,
		AgentID:       agentID,
		PrevHash:      prevHash,
	}
	h, err := e.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute entry hash: %w", err)
	}
	e.Hash = h
	return e, nil
}

// Journal is the append-only result record. File format: JSON lines,
// one entry per line.
type Journal struct {
	mu      sync.Mutex
	entries []*Entry
	path    string
}

// Open loads an existing journal file or starts an empty one.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return j, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		j.entries = append(j.entries, &e)
	}
	return j, nil
}

// AppendResult builds, signs and appends the next entry in one critical
// section. Index and tip are read under the same lock that links the
// entry, so concurrent recorders can never observe the same tip and
// lose a result to a prevHash mismatch.
func (j *Journal) AppendResult(jobID, jobName, state, reason, terminalStage, outputHash, agentID string, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := ""
	if len(j.entries) > 0 {
		prev = j.entries[len(j.entries)-1].Hash
	}
	e, err := NewEntry(len(j.entries), jobID, jobName, state, reason, terminalStage, outputHash, prev, agentID)
	if err != nil {
		return nil, err
	}
	if err := j.append(e, priv, pub); err != nil {
		return nil, err
	}
	return e, nil
}

// Append signs the entry, links it to the chain, persists it and keeps
// it in memory. The entry's PrevHash must match the current tip.
func (j *Journal) Append(e *Entry, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append(e, priv, pub)
}

// append requires j.mu to be held.
func (j *Journal) append(e *Entry, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	h, err := e.ComputeHash()
	if err != nil {
		return fmt.Errorf("recompute entry hash: %w", err)
	}
	e.Hash = h

	if len(j.entries) > 0 {
		last := j.entries[len(j.entries)-1]
		if e.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, e.PrevHash)
		}
	}

	if len(priv) == 0 {
		return fmt.Errorf("private key is empty, cannot sign entry")
	}
	sig := ed25519.Sign(priv, []byte(e.Hash))
	e.Signature = hex.EncodeToString(sig)
	e.PubKey = hex.EncodeToString(pub)

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("write journal file: %w", err)
	}

	j.entries = append(j.entries, e)
	return nil
}

// NextIndex returns the next entry index.
func (j *Journal) NextIndex() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// LastHash returns the tip hash, or empty when the journal is empty.
func (j *Journal) LastHash() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return ""
	}
	return j.entries[len(j.entries)-1].Hash
}

// Entries exposes the in-memory chain for inspection.
func (j *Journal) Entries() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries
}
