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
package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/launix-de/objcache/cache"
)

const (
	newprompt    = "\033[32mobjcache>\033[0m "
	resultprompt = "\033[31m=\033[0m "
)

func main() {
	storePath := flag.String("store", "store.json", "path to the store layout file")
	flag.Parse()

	eng := cache.NewEngine(0, nil)
	if err := eng.Open(*storePath); err != nil {
		fmt.Println("error opening store:", err)
		return
	}
	defer eng.Shutdown()
	eng.Run(2 * time.Second)

	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".cachediag-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Println("objcache diagnostic console. Commands: volumes, dir <n>, evac <n>, scan <n> [kbps], quit")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		runCommand(eng, line)
	}
}

func runCommand(eng *cache.Engine, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "volumes":
		for i, v := range eng.Volumes {
			fmt.Printf("%s[%d] id=%s start=%d len=%d\n", resultprompt, i, v.ID, v.Start, v.Len)
		}
	case "dir":
		if len(fields) < 2 {
			fmt.Println("usage: dir <volume-index>")
			return
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 || idx >= len(eng.Volumes) {
			fmt.Println("bad volume index")
			return
		}
		dumpDirStats(eng.Volumes[idx])
	case "evac":
		if len(fields) < 2 {
			fmt.Println("usage: evac <volume-index>")
			return
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 || idx >= len(eng.Volumes) {
			fmt.Println("bad volume index")
			return
		}
		if err := eng.Volumes[idx].ForceFlush(); err != nil {
			fmt.Println("flush failed:", err)
			return
		}
		fmt.Println(resultprompt, "forced an aggregation flush (evacuation sweep runs on wrap)")
	case "scan":
		if len(fields) < 2 {
			fmt.Println("usage: scan <volume-index> [kbps]")
			return
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 || idx >= len(eng.Volumes) {
			fmt.Println("bad volume index")
			return
		}
		kbps := 0
		if len(fields) >= 3 {
			kbps, _ = strconv.Atoi(fields[2])
		}
		runScan(eng.Volumes[idx], kbps)
	default:
		fmt.Println("unknown command:", fields[0])
	}
}

func dumpDirStats(v *cache.Volume) {
	total, live := 0, 0
	v.DirEach(func(segIdx, bucket int, d cache.Dir) {
		total++
		live++
		_ = segIdx
		_ = bucket
		_ = d
	})
	fmt.Printf("%ssegments=%d buckets/seg=%d live entries=%d\n", resultprompt, v.Segments, v.BucketsPerSeg, live)
	_ = total
}

func runScan(v *cache.Volume, kbps int) {
	stop := make(chan struct{})
	defer close(stop)
	for ev := range v.Scan(kbps, stop) {
		if ev.ScanDone {
			fmt.Println(resultprompt, "scan done")
			break
		}
		if ev.Err != nil {
			fmt.Println(resultprompt, "scan error at offset", ev.Offset, ":", ev.Err)
			continue
		}
		fmt.Printf("%sobject key=%s offset=%d size=%d\n", resultprompt, ev.Key, ev.Offset, ev.Size)
	}
}
