package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunStop      Stage = "RUN_STOP"
	StageCycleDone    Stage = "CYCLE_DONE"
	StageCycleError   Stage = "CYCLE_ERROR"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
	StageReload       Stage = "SESSION_RELOAD"
	StageReport       Stage = "REPORT"
)

// Event captures a single milestone of a harvester run.
type Event struct {
	// RunID identifies the harvester process run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Page is the result page the milestone happened on, when known.
	Page int
	// Identifier is set on download events.
	Identifier string
	// Success reports the download result on download events.
	Success bool
	// Strategy names the detection strategy or reload reason.
	Strategy string
	// Count carries the number of files a cycle downloaded.
	Count int
	// Dur captures the latency of the download or cycle.
	Dur time.Duration
	// Note holds report text or error detail.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunStop, StageCycleDone, StageCycleError:
	case StageDownloadDone:
		if e.Identifier == "" {
			return errors.New("download event requires identifier")
		}
	case StageReload:
		if e.Strategy == "" {
			return errors.New("reload event requires a reason")
		}
	case StageReport:
		if e.Note == "" {
			return errors.New("report event requires text")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID parses a textual UUID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
