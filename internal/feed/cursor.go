// Package feed implements trade feed sources for watched addresses.
//
// Both sources share one cursor format, "<unix seconds>:<entry id>", naming
// the last entry that was handed out. Entries are ordered by (timestamp, id)
// and a page contains only entries strictly after the cursor.
package feed

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

type position struct {
	ts int64
	id string
}

func parseCursor(s string) (position, error) {
	if s == "" {
		return position{}, nil
	}
	tsPart, id, ok := strings.Cut(s, ":")
	if !ok {
		return position{}, fmt.Errorf("feed: cursor %q: missing separator", s)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return position{}, fmt.Errorf("feed: cursor %q: bad timestamp", s)
	}
	return position{ts: ts, id: id}, nil
}

func (p position) String() string {
	return strconv.FormatInt(p.ts, 10) + ":" + p.id
}

// after reports whether an entry at (ts, id) comes strictly after p.
func (p position) after(ts int64, id string) bool {
	if ts != p.ts {
		return ts > p.ts
	}
	return id > p.id
}

func initialCursor(now time.Time, fromBeginning bool) string {
	if fromBeginning {
		return ""
	}
	return position{ts: now.Unix()}.String()
}

// pageAfter sorts entries, drops those at or before cur, truncates to
// pageSize and returns the cursor of the last entry kept. With nothing new the
// input cursor is returned unchanged.
//
// Entries missing an id or a timestamp still pass through so the monitor can
// report them: they sort by whatever they carry, an id-less entry ahead of its
// second. An entry with neither cannot be placed and is dropped.
func pageAfter(entries []domain.FeedEntry, cursor string, cur position, pageSize int) ([]domain.FeedEntry, string) {
	sortEntries(entries)

	out := make([]domain.FeedEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		ts := unix(e)
		if e.ID == "" && ts == 0 {
			continue
		}
		if (e.ID != "" && seen[e.ID]) || !cur.after(ts, e.ID) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
		if len(out) == pageSize {
			break
		}
	}
	if len(out) == 0 {
		return nil, cursor
	}
	last := out[len(out)-1]
	return out, position{ts: unix(last), id: last.ID}.String()
}

func sortEntries(entries []domain.FeedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := unix(entries[i]), unix(entries[j])
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
}

// unix is e's timestamp in seconds, zero when it has none.
func unix(e domain.FeedEntry) int64 {
	if e.Timestamp.IsZero() {
		return 0
	}
	return e.Timestamp.Unix()
}

// olderThan keeps the entries strictly before second edge. A window cut at
// its row limit may hold only part of its newest second, and rows within a
// second arrive in no particular id order.
func olderThan(entries []domain.FeedEntry, edge int64) []domain.FeedEntry {
	out := make([]domain.FeedEntry, 0, len(entries))
	for _, e := range entries {
		if unix(e) < edge {
			out = append(out, e)
		}
	}
	return out
}

// overfetch widens a request so that entries sharing the cursor timestamp do
// not crowd out new ones.
func overfetch(pageSize, limit int) int {
	n := pageSize * 2
	if n > limit {
		n = limit
	}
	if n < pageSize {
		n = pageSize
	}
	return n
}

// maxSecondRows bounds how many rows of a single second are read back.
const maxSecondRows = 10000

// windowPasses bounds how many full seconds one call may step over.
const windowPasses = 4
