package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

func TestHandleRetriesUntilAccepted(t *testing.T) {
	calls := 0
	handler := func(context.Context, models.Event) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	}

	err := (&Consumer{}).handle(context.Background(), handler, models.Event{ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestHandleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := (&Consumer{}).handle(ctx, func(context.Context, models.Event) error {
		return errors.New("down")
	}, models.Event{ID: "e1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
