package carry

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Dump renders levels for diagnostics.
func Dump(levels ...*Level) string {
	var b strings.Builder
	for _, l := range levels {
		if l == nil {
			continue
		}
		l.dump(&b)
	}
	return b.String()
}

func (l *Level) dump(b *strings.Builder) {
	fmt.Fprintf(b, "%s: %s nodes, %s ops, restartable=%t",
		l.name, humanize.Comma(int64(len(l.nodes))), humanize.Comma(int64(len(l.ops))), l.restartable)
	if l.newRoot != nil {
		fmt.Fprintf(b, ", new root %s", l.newRoot)
	}
	b.WriteByte('\n')
	for i, cn := range l.nodes {
		fmt.Fprintf(b, "  node[%d] %s", i, cn)
		if cn.Locked() {
			b.WriteString(" locked")
		}
		if cn.deallocate {
			b.WriteString(" deallocate")
		}
		if cn.real != nil {
			fmt.Fprintf(b, " items=%d lock=%s", cn.real.NumItems(), cn.real.Lock())
		}
		b.WriteByte('\n')
	}
	for i, op := range l.ops {
		fmt.Fprintf(b, "  op[%d] %s\n", i, op)
	}
}
