package settings

import (
	"os"
	"sync"
	"time"
)

// watcher reports that one of a fixed set of files may have changed.
// Changes coalesce: several writes can produce a single notification.
type watcher interface {
	Changes() <-chan struct{}
	Close()
}

// notify performs a non-blocking send on a one-slot channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func stamp(path string) fileStamp {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}
}

// pollWatcher compares size and modification time of each file on a
// fixed interval.
type pollWatcher struct {
	changes   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newPollWatcher(paths []string, interval time.Duration) *pollWatcher {
	w := &pollWatcher{
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	stamps := make([]fileStamp, len(paths))
	for i, p := range paths {
		stamps[i] = stamp(p)
	}
	go w.loop(paths, stamps, interval)
	return w
}

func (w *pollWatcher) loop(paths []string, stamps []fileStamp, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		changed := false
		for i, p := range paths {
			if s := stamp(p); s != stamps[i] {
				stamps[i] = s
				changed = true
			}
		}
		if changed {
			notify(w.changes)
		}
	}
}

func (w *pollWatcher) Changes() <-chan struct{} { return w.changes }

func (w *pollWatcher) Close() {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
}
