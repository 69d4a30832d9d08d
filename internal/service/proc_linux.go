//go:build linux

package service

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processMemory reports resident memory, split into anonymous and
// file-backed pages when /proc/self/smaps_rollup is readable. Without it
// only RSS from /proc/self/statm is filled in. ok is false if neither file
// can be parsed.
func processMemory() (m memUsage, ok bool) {
	if m, ok = smapsRollup(); ok {
		return m, true
	}
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return memUsage{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return memUsage{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return memUsage{}, false
	}
	return memUsage{RSS: pages * uint64(os.Getpagesize())}, true
}

func smapsRollup() (memUsage, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return memUsage{}, false
	}
	defer f.Close()

	var m memUsage
	seen := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Rss:     1234 kB"
		key, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Rss":
			m.RSS = kb * 1024
			seen++
		case "Anonymous":
			m.Anonymous = kb * 1024
			seen++
		}
	}
	if sc.Err() != nil || seen < 2 {
		return memUsage{}, false
	}
	if m.RSS > m.Anonymous {
		m.FileBacked = m.RSS - m.Anonymous
	}
	return m, true
}
