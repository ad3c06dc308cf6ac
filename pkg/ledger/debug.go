package ledger

import (
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Dump writes the ledger's heads, links and cells to w. It takes no lock and
// is meant for inspecting a ledger left behind by a dead process.
func (l *Ledger) Dump(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString("ledger cap:")
	_, _ = buf.WriteString(strconv.Itoa(int(l.capacity)))
	_, _ = buf.WriteString(" used_head:")
	_, _ = buf.WriteString(l.index(l.usedHead()))
	_, _ = buf.WriteString(" free_head:")
	_, _ = buf.WriteString(l.index(l.freeHead()))
	_, _ = buf.WriteString(" sync:")
	_, _ = buf.WriteString(strconv.FormatUint(uint64(l.syncFlag()), 10))
	_ = buf.WriteByte('\n')
	for i := uint32(0); i < l.capacity; i++ {
		h := l.loadData(i)
		_, _ = buf.WriteString("  [")
		_, _ = buf.WriteString(strconv.Itoa(int(i)))
		_, _ = buf.WriteString("] next:")
		_, _ = buf.WriteString(l.index(l.next(i)))
		if !h.IsNull() {
			_, _ = buf.WriteString(" ")
			_, _ = buf.WriteString(h.String())
		}
		_ = buf.WriteByte('\n')
	}
	_, err := buf.WriteTo(w)
	return err
}

func (l *Ledger) index(i uint32) string {
	if i == l.invalid {
		return "-"
	}
	return strconv.FormatUint(uint64(i), 10)
}
