package schedule

import (
	"bytes"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ErrNoTable is returned when the fetched page contains no schedule table at
// all. The caller treats it like a fetch failure and keeps the previous
// snapshot.
var ErrNoTable = errors.New("schedule table not found")

// pendingCell is the source's placeholder for "not published yet". It is
// recorded the same as an empty cell: no outage data for that key.
const pendingCell = "Очікується"

var (
	dateRe     = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{4})`)
	intervalRe = regexp.MustCompile(`^(\d{2}):(\d{2})-(\d{2}):(\d{2})$`)
)

// Parse extracts a Snapshot from the raw schedule page.
//
// Layout assumptions (fixed by the source):
//   - the first <table> is the schedule; row 0 is the header and is skipped
//   - a data row starts with a DD.MM.YYYY cell; any other row is a footnote
//     and is skipped entirely
//   - after the date, columns come in (queue, subqueue) pairs in queue order:
//     1-based cell index i maps to queue ceil(i/2), subqueue 1 if i is odd
//
// Cell text that is empty or the pending placeholder yields an empty interval
// list. Tokens that don't look like HH:MM-HH:MM are dropped silently (the
// source occasionally mixes annotations into cells).
func Parse(data []byte) (Snapshot, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	table := findFirst(doc, "table")
	if table == nil {
		return nil, ErrNoTable
	}

	snap := Snapshot{}
	rows := collectRows(table)
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		cells := cellTexts(row)
		if len(cells) == 0 {
			continue
		}
		date, ok := rowDate(cells[0])
		if !ok {
			continue // footnote or spacer row
		}

		// A date repeated across rows should not happen; when it does the
		// last row wins, matching the source reading order.
		day := DaySchedule{}
		for ci, text := range cells[1:] {
			idx := ci + 1 // 1-based column index within the row
			key := QueueKey{Queue: (idx + 1) / 2, Sub: 2 - idx%2}
			if !key.Valid() {
				continue
			}
			ivs := parseCell(text)
			if len(ivs) > 0 {
				day[key] = ivs
			}
		}
		snap[date] = day
	}
	return snap, nil
}

func rowDate(cell string) (Date, bool) {
	m := dateRe.FindStringSubmatch(strings.TrimSpace(cell))
	if m == nil {
		return Date{}, false
	}
	return ParseDate(m[1] + "." + m[2] + "." + m[3])
}

// parseCell turns one cell's text into an ordered, non-overlapping interval
// list. Returns nil for empty/pending cells.
func parseCell(text string) []Interval {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" || text == pendingCell {
		return nil
	}

	var ivs []Interval
	for _, tok := range strings.Fields(text) {
		iv, ok := parseIntervalToken(tok)
		if !ok {
			continue // malformed token, skip
		}
		ivs = append(ivs, iv)
	}
	if len(ivs) == 0 {
		return nil
	}

	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	// Drop any interval overlapping its predecessor so the per-key invariant
	// (ordered, non-overlapping) holds even on a malformed page.
	out := ivs[:1]
	for _, iv := range ivs[1:] {
		if iv.Start < out[len(out)-1].End {
			continue
		}
		out = append(out, iv)
	}
	return out
}

func parseIntervalToken(tok string) (Interval, bool) {
	m := intervalRe.FindStringSubmatch(tok)
	if m == nil {
		return Interval{}, false
	}
	sh, _ := strconv.Atoi(m[1])
	sm, _ := strconv.Atoi(m[2])
	eh, _ := strconv.Atoi(m[3])
	em, _ := strconv.Atoi(m[4])
	if sh > 23 || eh > 23 || sm > 59 || em > 59 {
		return Interval{}, false
	}
	iv := Interval{Start: Minute(sh*60 + sm), End: Minute(eh*60 + em)}
	if iv.Start >= iv.End {
		// Overnight windows are not representable in the source format.
		return Interval{}, false
	}
	return iv, true
}

// ---- html tree helpers ----

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func collectRows(table *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

func cellTexts(row *html.Node) []string {
	var cells []string
	for c := row.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, nodeText(c))
		}
	}
	return cells
}

// nodeText joins all text descendants with spaces so adjacent markup
// (e.g. one <p> per time slot) doesn't glue tokens together.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
