// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	rwerrors "github.com/rewindworks/rewind/pkg/errors"
)

// pidFile is an exclusive flock over the daemon's pid file, so two
// engine processes never share a data directory. The lock outlives the
// file content: a leftover file from a crashed process is taken over,
// a file locked by a live process is not.
type pidFile struct {
	path string
	f    *os.File
}

// acquirePIDFile claims path for this process. The parent directory must
// not be world-writable; a symlink planted there could redirect the
// write.
func acquirePIDFile(path string) (*pidFile, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err == nil {
		if info.Mode()&0o002 != 0 {
			return nil, &rwerrors.ConfigError{
				Key:    "server.pid_file",
				Reason: fmt.Sprintf("directory %s is world-writable", dir),
			}
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &rwerrors.ConfigError{Key: "server.pid_file", Reason: "creating directory", Cause: err}
		}
	} else {
		return nil, &rwerrors.ConfigError{Key: "server.pid_file", Reason: "checking directory", Cause: err}
	}

	// O_NOFOLLOW rejects symlinks left at the path itself.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, &rwerrors.ConfigError{Key: "server.pid_file", Reason: "opening pid file", Cause: err}
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			owner, _ := readPID(path)
			return nil, &rwerrors.ConfigError{
				Key:    "server.pid_file",
				Reason: fmt.Sprintf("another rewindd (pid %d) holds %s", owner, path),
			}
		}
		return nil, &rwerrors.ConfigError{Key: "server.pid_file", Reason: "locking pid file", Cause: err}
	}

	// Lock held: any previous owner is gone, overwrite its pid.
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		if err == nil {
			err = f.Sync()
		}
	}
	if err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, &rwerrors.ConfigError{Key: "server.pid_file", Reason: "writing pid file", Cause: err}
	}
	return &pidFile{path: path, f: f}, nil
}

// release removes the file and drops the lock. Safe on nil.
func (p *pidFile) release() error {
	if p == nil || p.f == nil {
		return nil
	}
	err := os.Remove(p.path)
	syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	p.f.Close()
	p.f = nil
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// readPID parses the pid recorded at path.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: malformed content", path)
	}
	return pid, nil
}
