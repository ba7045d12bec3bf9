/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"github.com/fsnotify/fsnotify"
)

// StoreWatcher watches a Store's persisted layout file for out-of-band
// edits (e.g. an external provisioning tool hot-plugging a Span by
// rewriting the layout file) and invokes onReload with the freshly read
// Store. The engine does not edit this file itself on the hot path; this
// exists so a long-running process learns of layout changes. The
// callback Engine.Open installs only logs the change; the new layout
// takes effect after a restart.
type StoreWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Store)
	done     chan struct{}
}

// WatchStore starts watching path (the Store layout file written by
// Store.write) and calls onReload whenever it changes on disk.
func WatchStore(path string, onReload func(*Store)) (*StoreWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	sw := &StoreWatcher{path: path, watcher: w, onReload: onReload, done: make(chan struct{})}
	go sw.loop()
	return sw, nil
}

func (sw *StoreWatcher) loop() {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			var st Store
			if err := st.read(sw.path); err != nil {
				logf("store watch: reload %s failed: %v", sw.path, err)
				continue
			}
			if sw.onReload != nil {
				sw.onReload(&st)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			logf("store watch: %v", err)
		}
	}
}

// Close stops watching.
func (sw *StoreWatcher) Close() error {
	err := sw.watcher.Close()
	<-sw.done
	return err
}
