package ingest

import (
	"bytes"
	"log/slog"
	"sync/atomic"

	"refinery-siem/internal/logging"
	"refinery-siem/internal/queue"
)

// intake is the decode and enqueue tail shared by the stream listeners.
// Listeners count their own reads; decoded, queued, and error counts
// live here.
type intake struct {
	queue         *queue.RingBuffer
	defaultSource string
	logger        *slog.Logger

	decoded atomic.Uint64
	queued  atomic.Uint64
	errors  atomic.Uint64
}

func newIntake(q *queue.RingBuffer, defaultSource string, logger *slog.Logger) *intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &intake{
		queue:         q,
		defaultSource: defaultSource,
		logger:        logger,
	}
}

// line decodes one protocol line and pushes the envelope onto the queue.
func (in *intake) line(data []byte, remote string) {
	env, err := decodeLine(data, in.defaultSource, remote)
	if err != nil {
		in.errors.Add(1)
		in.logger.Debug("line decode failed",
			"error", err,
			"remote", remote,
			"line", logging.MaskPatterns(string(data)),
		)
		return
	}
	in.decoded.Add(1)

	if err := in.queue.Push(env); err != nil {
		in.errors.Add(1)
		in.logger.Debug("queue push failed", "error", err)
		return
	}
	in.queued.Add(1)
}

// datagram splits a UDP payload into lines and feeds each one. A single
// datagram may carry several newline-separated records.
func (in *intake) datagram(data []byte, remote string) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		in.line(line, remote)
	}
}

// rawDatagram is one read handed from a receiver to the worker pool.
type rawDatagram struct {
	data   []byte
	remote string
}
