// Package lock provides exclusive claims over artifact files so two agents
// never process the same unit of work.
//
// A claim is a JSON file at <artifact>.lock containing:
// - the claimant's agent ID
// - the claim timestamp
// - the PID of the owning orchestrator process
//
// Exclusive file creation (O_CREATE|O_EXCL) is the one filesystem primitive
// that is atomic across processes without an external coordination service,
// so it is the claim mechanism. Stale locks (dead owning PID) are reaped.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Suffix is appended to an artifact path to form its lock path.
const Suffix = ".lock"

// Common errors.
var (
	ErrNotLocked   = errors.New("artifact is not locked")
	ErrCorruptLock = errors.New("corrupt lock file")
)

// Info describes who holds a claim.
type Info struct {
	AgentID   string    `json:"agentId"`
	ClaimedAt time.Time `json:"claimedAt"`
	PID       int       `json:"pid"`
}

// IsStale reports whether the owning process is dead.
func (i *Info) IsStale() bool {
	return !processExists(i.PID)
}

// Manager claims and releases artifact locks.
type Manager struct{}

// NewManager creates a lock Manager.
func NewManager() *Manager {
	return &Manager{}
}

// LockPath returns the lock file path for an artifact path.
func LockPath(artifactPath string) string {
	return artifactPath + Suffix
}

// Claim attempts to take an exclusive claim on the artifact.
// Returns true on success. Returns false without error if the lock already
// exists: contention is an expected outcome, not a failure. Any other
// filesystem error propagates.
func (m *Manager) Claim(artifactPath, agentID string) (bool, error) {
	f, err := os.OpenFile(LockPath(artifactPath), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	info := Info{
		AgentID:   agentID,
		ClaimedAt: time.Now().UTC(),
		PID:       os.Getpid(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshaling lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		// Claim holds even if the body write failed; remove the file so the
		// artifact does not stay locked by an empty record.
		_ = os.Remove(LockPath(artifactPath))
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

// Release removes the artifact's lock. Idempotent: a missing lock is fine.
func (m *Manager) Release(artifactPath string) error {
	if err := os.Remove(LockPath(artifactPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether the artifact currently has a lock file.
func (m *Manager) IsLocked(artifactPath string) bool {
	_, err := os.Stat(LockPath(artifactPath))
	return err == nil
}

// Info reads the current claim without modifying it.
// Returns ErrNotLocked if no lock exists and ErrCorruptLock if the file
// exists but cannot be decoded.
func (m *Manager) Info(artifactPath string) (*Info, error) {
	data, err := os.ReadFile(LockPath(artifactPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLocked
		}
		return nil, fmt.Errorf("reading lock file: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLock, err)
	}
	return &info, nil
}

// ReapStale checks the lock of every given artifact path and releases the
// ones whose owning process is dead. Returns the number reaped. Corrupt
// locks are reaped too: an undecodable claim protects nothing.
func (m *Manager) ReapStale(artifactPaths []string) (int, error) {
	reaped := 0
	for _, p := range artifactPaths {
		info, err := m.Info(p)
		if err != nil {
			if errors.Is(err, ErrNotLocked) {
				continue
			}
			if errors.Is(err, ErrCorruptLock) {
				if rerr := m.Release(p); rerr == nil {
					reaped++
				}
				continue
			}
			return reaped, err
		}
		if info.IsStale() {
			if err := m.Release(p); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}
