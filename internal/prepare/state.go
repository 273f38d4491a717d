package prepare

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// State is the shared license display table. One row group exists per
// distinct protection header; concurrent track workers append to it under
// the state's own lock and render it once at the end of a title.
type State struct {
	mu     sync.Mutex
	order  []string
	groups map[string]*headerGroup
}

type headerGroup struct {
	system  pssh.System
	rows    []keyRow
	seen    map[keys.KeyID]bool
	failure string
}

type keyRow struct {
	kid    keys.KeyID
	key    keys.ContentKey
	origin string
}

func NewState() *State {
	return &State{groups: make(map[string]*headerGroup)}
}

// headerID keys the row group. Headers sharing box bytes share a group even
// when parsed into distinct objects by different tracks.
func headerID(h *pssh.Header) string {
	sum := sha1.Sum(h.Box)
	return hex.EncodeToString(sum[:8])
}

func (s *State) group(h *pssh.Header) *headerGroup {
	id := headerID(h)
	g, ok := s.groups[id]
	if !ok {
		g = &headerGroup{system: h.System, seen: make(map[keys.KeyID]bool)}
		s.groups[id] = g
		s.order = append(s.order, id)
	}
	return g
}

// RecordKey appends one resolved key row to the header's group. Duplicate
// key IDs from tracks sharing a header collapse into one row.
func (s *State) RecordKey(h *pssh.Header, kid keys.KeyID, key keys.ContentKey, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(h)
	if g.seen[kid] {
		return
	}
	g.seen[kid] = true
	g.rows = append(g.rows, keyRow{kid: kid, key: key, origin: origin})
}

// RecordFailure marks the header's group with an error line so the rendered
// table shows which header failed and why.
func (s *State) RecordFailure(h *pssh.Header, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(h)
	g.failure = err.Error()
}

// HasKey reports whether a key ID was already recorded for this header.
func (s *State) HasKey(h *pssh.Header, kid keys.KeyID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[headerID(h)]
	return ok && g.seen[kid]
}

// Render produces the final table, one separated section per header.
func (s *State) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"System", "Key ID", "Content Key", "Origin"})
	for i, id := range s.order {
		g := s.groups[id]
		for _, row := range g.rows {
			tw.AppendRow(table.Row{g.system.String(), row.kid.Hex(), row.key.String(), row.origin})
		}
		if g.failure != "" {
			tw.AppendRow(table.Row{g.system.String(), "ERROR", g.failure, ""})
		}
		if i < len(s.order)-1 {
			tw.AppendSeparator()
		}
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
