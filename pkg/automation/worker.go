package automation

import (
	"context"
	"errors"

	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/common/models"
)

const EventRunRequested = "automation.run.requested"

var ErrRunnerClosed = errors.New("runner closed")

// RunRequest is the payload of a queued run.
type RunRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Batch
}

// HandleRunRequest starts the run carried by event. Only a closed runner is
// reported as an error; everything else is final for the message.
func (r *Runner) HandleRunRequest(ctx context.Context, event models.Event) error {
	log := logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	if event.Type != EventRunRequested {
		log.Debug("ignoring event")
		return nil
	}

	var req RunRequest
	if err := event.DecodeData(&req); err != nil {
		log.WithError(err).Warn("dropping malformed run request")
		return nil
	}
	if req.RequestID != "" {
		log = log.WithField("request_id", req.RequestID)
	}

	run, err := r.Start(ctx, req.Batch)
	switch {
	case err == nil:
		log.WithField("execution_id", string(run.Handle)).Info("queued run started")
		return nil
	case errors.Is(err, ErrRunnerClosed):
		return err
	case IsValidationError(err):
		log.WithError(err).Warn("dropping invalid run request")
		return nil
	default:
		log.WithError(err).Error("queued run was not accepted")
		r.publish(EventRunFailed, map[string]interface{}{
			"request_id":   req.RequestID,
			"project_name": req.Name,
			"reason":       err.Error(),
		})
		return nil
	}
}
