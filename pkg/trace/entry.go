// Package trace defines the output trace row format and a pluggable,
// background-worker trace sink: clients push chunks of rows from their
// own goroutines, a single worker goroutine serializes them to CSV
// (optionally Zstandard-framed when the output path ends in ".zst") in
// the order chunks arrive on the channel.
//
// Grounded on the original's trace.rs (ClientTrace/write_traces_to_file
// and the ".zst"-suffix convention for transparent compression). The
// channel-fed single-consumer worker and the pluggable Exporter idiom
// (Noop/File/Writer/Multi, one Export/Close pair per sink) are kept from
// the teacher's pkg/trace/exporter.go; its OpenTelemetry-shaped
// Span/Tracer/Sampler machinery in trace.go and sampler.go does not
// describe anything this simulator produces and was not ported — see
// DESIGN.md.
package trace

import (
	"strconv"
	"time"
)

// SourceDestinationDelay is the fixed placeholder network delay applied
// between a packet's source (exit) timestamp and its destination
// (client) timestamp. See spec's Open Questions: whether this should
// instead come from a network model is left undecided upstream.
const SourceDestinationDelay = 210 * time.Millisecond

// Entry is a single output trace row: a simulated response packet,
// identified by its dense message id and its source (exit) id, observed
// at the source at SourceTimestamp and modeled to arrive at the
// destination (client) id at DestinationTimestamp.
type Entry struct {
	MessageID            uint64
	SourceID             uint64
	SourceTimestamp      time.Time
	DestinationID        uint64
	DestinationTimestamp time.Time
}

// NewEntry builds the Entry for a single response packet observed at
// sourceTime from source, destined for destination, applying the fixed
// source-to-destination delay.
func NewEntry(messageID, sourceID uint64, sourceTime time.Time, destinationID uint64) Entry {
	return Entry{
		MessageID:            messageID,
		SourceID:             sourceID,
		SourceTimestamp:      sourceTime,
		DestinationID:        destinationID,
		DestinationTimestamp: sourceTime.Add(SourceDestinationDelay),
	}
}

// timeLayout matches the original's sub-second ISO-like timestamp
// formatting.
const timeLayout = "2006-01-02T15:04:05.000000000"

// CSVHeader is the header row written once per trace file.
const CSVHeader = "m_id,source_id,source_timestamp,destination_id,destination_timestamp"

// csvFields renders e as the fields of one CSV row, in CSVHeader's
// column order.
func (e Entry) csvFields() []string {
	return []string{
		strconv.FormatUint(e.MessageID, 10),
		strconv.FormatUint(e.SourceID, 10),
		e.SourceTimestamp.UTC().Format(timeLayout),
		strconv.FormatUint(e.DestinationID, 10),
		e.DestinationTimestamp.UTC().Format(timeLayout),
	}
}
