package ingest

import (
	"fmt"
	"slices"

	"docflow/internal/models"
	"docflow/internal/util"
)

// Event drives the processing status of a document.
type Event string

const (
	EventAccepted      Event = "accepted"
	EventExtracted     Event = "extracted"
	EventExtractFailed Event = "extract_failed"
	EventEmbedded      Event = "embedded"
	EventEmbedFailed   Event = "embed_failed"
	EventAborted       Event = "aborted"

	// EventEdited sends a completed upload back to embedding after its
	// content was replaced.
	EventEdited Event = "edited"
)

var ErrIllegalTransition = fmt.Errorf("%w: illegal processing status transition", util.ErrValidation)

type edge struct {
	from []models.ProcessingStatus
	to   models.ProcessingStatus
}

var transitions = map[Event]edge{
	EventAccepted:      {from: []models.ProcessingStatus{models.StatusPending}, to: models.StatusProcessing},
	EventExtracted:     {from: []models.ProcessingStatus{models.StatusProcessing}, to: models.StatusEmbedding},
	EventExtractFailed: {from: []models.ProcessingStatus{models.StatusProcessing}, to: models.StatusFailed},
	EventEmbedded:      {from: []models.ProcessingStatus{models.StatusEmbedding}, to: models.StatusCompleted},
	EventEmbedFailed:   {from: []models.ProcessingStatus{models.StatusEmbedding}, to: models.StatusFailed},
	EventEdited:        {from: []models.ProcessingStatus{models.StatusCompleted}, to: models.StatusEmbedding},
	EventAborted: {
		from: []models.ProcessingStatus{models.StatusPending, models.StatusProcessing, models.StatusEmbedding},
		to:   models.StatusFailed,
	},
}

// Transition returns the status ev moves from to.
func Transition(from models.ProcessingStatus, ev Event) (models.ProcessingStatus, error) {
	e, ok := transitions[ev]
	if !ok || !slices.Contains(e.from, from) {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
	}
	return e.to, nil
}

// Sources lists the statuses ev may be applied to.
func Sources(ev Event) []models.ProcessingStatus {
	return slices.Clone(transitions[ev].from)
}

// Target is the status ev leads to, or "" for an unknown event.
func Target(ev Event) models.ProcessingStatus {
	return transitions[ev].to
}

// failureEvent picks the event that fails a document currently in status.
func failureEvent(status models.ProcessingStatus) Event {
	switch status {
	case models.StatusProcessing:
		return EventExtractFailed
	case models.StatusEmbedding:
		return EventEmbedFailed
	default:
		return EventAborted
	}
}
