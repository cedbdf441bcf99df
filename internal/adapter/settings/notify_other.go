//go:build !linux

package settings

import "errors"

// newNotifyWatcher is only implemented on Linux; elsewhere the source
// polls.
func newNotifyWatcher([]string) (watcher, error) {
	return nil, errors.New("file notifications are not supported on this platform")
}
