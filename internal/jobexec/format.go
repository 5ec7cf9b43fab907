package jobexec

import (
	"strings"

	"github.com/francosantos/kvsd/internal/kvs"
)

// FormatRead renders a READ result per spec §6: "[(k,v)(k2,v2)...]\n",
// with missing keys rendered as "(k,KVSERROR)".
func FormatRead(entries []kvs.ReadEntry) string {
	var b strings.Builder
	b.WriteByte('[')
	for _, e := range entries {
		b.WriteByte('(')
		b.WriteString(e.Key)
		b.WriteByte(',')
		if e.Missing {
			b.WriteString("KVSERROR")
		} else {
			b.WriteString(e.Value)
		}
		b.WriteByte(')')
	}
	b.WriteString("]\n")
	return b.String()
}

// FormatDeleteMisses renders a DELETE result per spec §6:
// "[(k,KVSMISSING)...]\n", emitted only when at least one key was
// missing; an empty string means nothing is written for this command.
func FormatDeleteMisses(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	for _, k := range missing {
		b.WriteByte('(')
		b.WriteString(k)
		b.WriteString(",KVSMISSING)")
	}
	b.WriteString("]\n")
	return b.String()
}

// FormatShow renders a SHOW result per spec §6: one "(k, v)\n" line
// per pair, in the order returned by the table (no ordering guarantee
// across buckets).
func FormatShow(pairs []kvs.Pair) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteByte('(')
		b.WriteString(p.Key)
		b.WriteString(", ")
		b.WriteString(p.Value)
		b.WriteString(")\n")
	}
	return b.String()
}
