package sstv

// State is the decoder state machine position.
type State int

const (
	StateIdle State = iota
	StateDetectingVIS
	StateSearchingForSync
	StateSyncLocked
	StateDecodingLine
	StateImageComplete
	StateSyncLost
	// StateFailed ends a session whose VIS header was rejected.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDetectingVIS:
		return "DetectingVIS"
	case StateSearchingForSync:
		return "SearchingForSync"
	case StateSyncLocked:
		return "SyncLocked"
	case StateDecodingLine:
		return "DecodingLine"
	case StateImageComplete:
		return "ImageComplete"
	case StateSyncLost:
		return "SyncLost"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Terminal reports whether no further input can change the session.
func (s State) Terminal() bool {
	return s == StateImageComplete || s == StateSyncLost || s == StateFailed
}

// Outcome is how a decode attempt ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeComplete
	OutcomeSyncLost
	// OutcomeTruncated: input ran out before the last line.
	OutcomeTruncated
	// OutcomeNoImage: no mode was identified.
	OutcomeNoImage
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeComplete:
		return "complete"
	case OutcomeSyncLost:
		return "sync_lost"
	case OutcomeTruncated:
		return "truncated"
	case OutcomeNoImage:
		return "no_image"
	}
	return "unknown"
}

// EventKind identifies an observer notification.
type EventKind int

const (
	EventModeDetected EventKind = iota
	EventVISError
	EventSyncLocked
	EventSyncMissed
	EventSyncLost
	EventLineDecoded
	EventImageComplete
	EventFSKID
)

func (k EventKind) String() string {
	switch k {
	case EventModeDetected:
		return "mode_detected"
	case EventVISError:
		return "vis_error"
	case EventSyncLocked:
		return "sync_locked"
	case EventSyncMissed:
		return "sync_missed"
	case EventSyncLost:
		return "sync_lost"
	case EventLineDecoded:
		return "line_decoded"
	case EventImageComplete:
		return "image_complete"
	case EventFSKID:
		return "fsk_id"
	}
	return "unknown"
}

// Event is delivered synchronously to the session's Observer. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Mode       *Mode
	Line       int     // transmitted line index
	Rows       int     // image rows emitted by this line, or rows written in total on completion/loss
	Confidence float64 // sync lock or VIS confidence
	Outcome    Outcome
	Err        error
	Stats      LineStats
	Text       string  // FSK callsign
	TimeSec    float64 // stream time the event refers to
}

// Observer receives session events. It runs on the decoding goroutine and
// must not call back into the session.
type Observer func(Event)
