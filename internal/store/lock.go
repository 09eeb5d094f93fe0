package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// InstanceLock prevents two engine processes from running the same state dir.
type InstanceLock struct {
	path string
}

type lockInfo struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

var ErrLockHeld = errors.New("instance lock is held by another process")

// AcquireInstanceLock takes the lock file under root, stealing it when the
// recorded holder process is no longer alive.
func AcquireInstanceLock(root, instanceID string) (*InstanceLock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "instance.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if werr := writeLockInfo(f, instanceID); werr != nil {
				_ = os.Remove(path)
				return nil, werr
			}
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		holder, rerr := readLockInfo(path)
		if rerr == nil && processAlive(holder.PID) {
			return nil, fmt.Errorf("%w: instance=%s pid=%d since=%s",
				ErrLockHeld, holder.InstanceID, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		}
		// Unreadable or stale lock file: remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, rmErr
		}
	}
	return nil, ErrLockHeld
}

func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeLockInfo(f *os.File, instanceID string) error {
	defer f.Close()
	info := lockInfo{
		InstanceID: strings.TrimSpace(instanceID),
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		return err
	}
	return f.Sync()
}

func readLockInfo(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return lockInfo{}, err
	}
	if info.PID <= 0 {
		return lockInfo{}, errors.New("lock file has no pid")
	}
	return info, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
