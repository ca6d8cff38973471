package ingest

import (
	"encoding/json"
	"errors"
	"time"

	"refinery-siem/internal/normalize"
)

// ErrNotARecord is returned for lines that decode to something other than
// a JSON object.
var ErrNotARecord = errors.New("line is not a JSON object")

// lineEnvelope is the explicit form of the line protocol: a source
// category wrapping one raw record.
type lineEnvelope struct {
	Source string              `json:"source"`
	Record normalize.RawRecord `json:"record"`
}

// decodeLine turns one line of the TCP/UDP/DTLS protocol into an envelope.
// A line is either `{"source": "...", "record": {...}}` or a bare record,
// in which case the listener's default category applies. A bare record may
// itself contain "source" and "record" keys; it is only treated as the
// envelope form when source is a string and record an object.
func decodeLine(data []byte, defaultSource, remote string) (*normalize.Envelope, error) {
	var wrapped lineEnvelope
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Source != "" && wrapped.Record != nil {
		return &normalize.Envelope{
			Source:     wrapped.Source,
			Record:     wrapped.Record,
			ReceivedAt: time.Now().UTC(),
			Remote:     remote,
		}, nil
	}

	var record normalize.RawRecord
	if err := json.Unmarshal(data, &record); err != nil || record == nil {
		return nil, ErrNotARecord
	}

	return &normalize.Envelope{
		Source:     defaultSource,
		Record:     record,
		ReceivedAt: time.Now().UTC(),
		Remote:     remote,
	}, nil
}
