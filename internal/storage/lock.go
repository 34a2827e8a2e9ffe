package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock is an flock(2) based exclusive lock on path+".lock", also
// serialising goroutines within the process.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to take the lock without blocking. The error is non-nil
// only when the lock file cannot be opened.
func (l *FileLock) TryLock() (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		l.mu.Unlock()
		return false, nil
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. The lock file is left in place so that waiters
// keep contending on the same inode.
func (l *FileLock) Unlock() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.mu.Unlock()
}
