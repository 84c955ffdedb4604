package msgnet

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// dumpObserver appends every event to a writer as one msgpack record.
type dumpObserver struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
	err error
}

// DumpObserver returns an Observer that records events to w for offline
// inspection with ReadDump. Recording stops at the first write error.
func DumpObserver(w io.Writer) Observer {
	return &dumpObserver{enc: msgpack.NewEncoder(w)}
}

func (d *dumpObserver) Observe(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return
	}
	d.err = d.enc.Encode(&e)
}

// ReadDump decodes every event recorded by DumpObserver from r.
func ReadDump(r io.Reader) ([]Event, error) {
	dec := msgpack.NewDecoder(r)

	var events []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, errors.Wrap(err, "decode dump")
		}
		events = append(events, e)
	}
}
