package messaging

import "strings"

// Subject constants for the pipeline message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// SubjectRealtimeChanges carries committed aggregate and event changes so
	// every processor instance can push them to its own subscribers.
	SubjectRealtimeChanges = "cvanalytics.realtime.changes"

	// SubjectQueuePrefix prefixes the per-queue work subjects (append the queue name).
	SubjectQueuePrefix = "cvanalytics.queue"

	// SubjectDeadLetterPrefix prefixes the per-queue dead-letter subjects.
	SubjectDeadLetterPrefix = "cvanalytics.deadletter"
)

// Queue group names for load-balanced consumers.
const (
	QueueProcessorWorkers = "processor-workers"
)

// Headers set on pipeline messages.
const (
	HeaderGroupKey     = "Cv-Group-Key"
	HeaderDedupID      = "Cv-Dedup-Id"
	HeaderSourceQueue  = "Cv-Source-Queue"
	HeaderReceiveCount = "Cv-Receive-Count"
)

// QueueSubject returns the work subject for a named queue.
// Example: cvanalytics.queue.aggregation
func QueueSubject(queue string) string {
	return SubjectQueuePrefix + "." + Token(queue)
}

// DeadLetterSubject returns the dead-letter subject for a named queue.
func DeadLetterSubject(queue string) string {
	return SubjectDeadLetterPrefix + "." + Token(queue)
}

// Token makes s safe to use as a single subject token: separators and
// wildcards are replaced with underscores. Empty input becomes "_".
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
