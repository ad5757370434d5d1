package logger

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z0700"

// Entry is one decoded line of the JSON log file.
type Entry struct {
	Time  time.Time
	Level string
	Msg   string
	Raw   string
}

// FilterOptions narrows a log scan. Zero values disable a bound.
type FilterOptions struct {
	From  time.Time
	To    time.Time
	Level string
	Limit int
}

// Filter scans JSON log lines and returns the entries matching opts, keeping
// the most recent Limit entries. Lines that are not log entries are skipped.
func Filter(r io.Reader, opts FilterOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	level := strings.ToUpper(opts.Level)

	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw struct {
			TS    string `json:"ts"`
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		ts, err := time.Parse(timeLayout, raw.TS)
		if err != nil {
			continue
		}
		if !opts.From.IsZero() && ts.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && ts.After(opts.To) {
			continue
		}
		if level != "" && strings.ToUpper(raw.Level) != level {
			continue
		}
		out = append(out, Entry{Time: ts, Level: raw.Level, Msg: raw.Msg, Raw: line})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
