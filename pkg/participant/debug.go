package participant

import (
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Dump writes a human-readable rendering of the non-free slots.
func (t *Table) Dump(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	slots := t.Slots()
	fmt.Fprintf(buf, "participants slots:%d in_use:%d\n", t.slots, len(slots))
	for _, s := range slots {
		fmt.Fprintf(buf, "  [%d] %s pid:%d ledger:%s name:%#016x", s.Index, s.State, s.PID, s.Ledger, s.NameHash)
		if !s.RegisteredAt.IsZero() {
			fmt.Fprintf(buf, " since:%s", s.RegisteredAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
		buf.WriteString("\n")
	}
	_, err := w.Write(buf.B)
	return err
}
