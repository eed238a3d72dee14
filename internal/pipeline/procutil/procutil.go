// Package procutil inspects and signals the processes that hold runs.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func procFS() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// Alive reports whether pid exists and is not a zombie.
func Alive(pid int) bool {
	if pid <= 0 || Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Zombie reports whether pid has exited but not been reaped.
func Zombie(pid int) bool {
	var state byte
	if procFS() {
		b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
		if err != nil {
			return false
		}
		line := string(b)
		i := strings.LastIndexByte(line, ')')
		if i < 0 || i+2 >= len(line) {
			return false
		}
		state = line[i+2]
	} else {
		out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
		if err != nil {
			return false
		}
		s := strings.TrimSpace(string(out))
		if s == "" {
			return false
		}
		state = s[0]
	}
	return state == 'Z' || state == 'X'
}

// Terminate sends SIGTERM and waits up to grace for pid to go away, then
// sends SIGKILL. It reports whether the process is gone.
func Terminate(pid int, grace time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return false
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(50 * time.Millisecond)
	return !Alive(pid)
}
