package equipment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/procedure"
)

// Bridge feeds procedure step events from the message bus into a Service.
// Its Handle method is a kafka.EventHandler.
type Bridge struct {
	service *Service
}

func NewBridge(service *Service) *Bridge {
	return &Bridge{service: service}
}

// Handle applies one event. Reports that can never succeed are logged and
// acknowledged; only store failures are returned so the message is retried.
func (b *Bridge) Handle(ctx context.Context, event models.Event) error {
	log := b.service.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	var err error
	switch event.Type {
	case models.EventProcedureStepBegin:
		var step BeginStep
		if err := decode(event.Data, &step); err != nil {
			log.WithError(err).Warn("Malformed begin event, dropping")
			return nil
		}
		_, err = b.service.BeginStep(ctx, step)
	case models.EventProcedureStepEnd:
		var step EndStep
		if err := decode(event.Data, &step); err != nil {
			log.WithError(err).Warn("Malformed end event, dropping")
			return nil
		}
		_, err = b.service.EndStep(ctx, step)
	default:
		log.Debug("Ignoring event")
		return nil
	}

	if err == nil || permanent(err) {
		return nil
	}
	return err
}

func permanent(err error) bool {
	var (
		conflict   *procedure.ConflictError
		transition *procedure.TransitionError
	)
	return errors.Is(err, ErrUnknownStep) ||
		errors.Is(err, ErrMissingIdentifier) ||
		errors.Is(err, ErrInvalidOutcome) ||
		errors.As(err, &conflict) ||
		errors.As(err, &transition)
}

func decode(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}
