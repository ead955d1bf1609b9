package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// Stage denotes the lifecycle milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageFetchStart Stage = "FETCH_START"
	StageFetchDone  Stage = "FETCH_DONE"
	StageFetchRetry Stage = "FETCH_RETRY"
	StageFetchSkip  Stage = "FETCH_SKIP"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress record.
type Event struct {
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Site is the politeness key of the URL for fetch stages.
	Site    string
	URL     string
	Attempt int
	// Outcome is set on FETCH_DONE.
	Outcome     crawler.Status
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context such as an error label.
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
	case StageRunStart, StageRunDone, StageRunError:
	case StageFetchStart, StageFetchRetry, StageFetchSkip:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID. IDs that are not UUIDs map to a
// name-based (SHA-1) UUID so they still validate; "" yields the zero value.
func ParseRunID(runID string) [16]byte {
	if runID == "" {
		return [16]byte{}
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
	}
	return UUIDToBytes(id)
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
