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
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// logWriter is where the engine prints lifecycle lines (volume
// open/close, recovery outcomes, evacuation sweeps, disk errors).
var (
	logMu     sync.Mutex
	logWriter io.Writer = os.Stderr
)

// SetLogOutput redirects engine log output, mainly for tests.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	if w == nil {
		w = io.Discard
	}
	logWriter = w
}

func logf(format string, args ...any) {
	logMu.Lock()
	w := logWriter
	logMu.Unlock()
	fmt.Fprintf(w, "%s "+format+"\n", append([]any{time.Now().Format("2006-01-02T15:04:05.000")}, args...)...)
}
