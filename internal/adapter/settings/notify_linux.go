//go:build linux

package settings

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	notifyMask     = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM
	pollTimeoutMs  = 100
	debounceWindow = 50 * time.Millisecond
)

// notifyWatcher watches the parent directories of the files with inotify.
// A directory watch catches atomic renames, which replace the inode a
// file-level watch would be attached to.
type notifyWatcher struct {
	fd        int
	dirs      map[int32]string    // watch descriptor -> directory
	names     map[string]struct{} // absolute paths of interest
	changes   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newNotifyWatcher(paths []string) (*notifyWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	w := &notifyWatcher{
		fd:      fd,
		dirs:    make(map[int32]string),
		names:   make(map[string]struct{}, len(paths)),
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	added := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		w.names[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if added[dir] {
			continue
		}
		wd, err := unix.InotifyAddWatch(fd, dir, notifyMask)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		added[dir] = true
		w.dirs[int32(wd)] = dir
	}
	go w.loop()
	return w, nil
}

func (w *notifyWatcher) loop() {
	defer close(w.done)
	defer unix.Close(w.fd)

	buf := make([]byte, 4096)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		read, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		if !w.matches(buf[:read]) {
			continue
		}

		// Editors often write in several steps; report the burst once.
		time.Sleep(debounceWindow)
		drain(w.fd, buf)
		notify(w.changes)
	}
}

// matches reports whether an event in buf names a watched file. Each
// record is a struct inotify_event: wd, mask, cookie, len, then a
// NUL-padded name of len bytes.
func (w *notifyWatcher) matches(buf []byte) bool {
	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		wd := int32(binary.NativeEndian.Uint32(buf[off : off+4]))
		nameLen := int(binary.NativeEndian.Uint32(buf[off+12 : off+16]))
		end := off + unix.SizeofInotifyEvent + nameLen
		if end > len(buf) {
			return false
		}
		if nameLen > 0 {
			name := cString(buf[off+unix.SizeofInotifyEvent : end])
			if dir, ok := w.dirs[wd]; ok {
				if _, ok := w.names[filepath.Join(dir, name)]; ok {
					return true
				}
			}
		}
		off = end
	}
	return false
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func drain(fd int, buf []byte) {
	for {
		if _, err := unix.Read(fd, buf); err != nil {
			return
		}
	}
}

func (w *notifyWatcher) Changes() <-chan struct{} { return w.changes }

func (w *notifyWatcher) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
}
