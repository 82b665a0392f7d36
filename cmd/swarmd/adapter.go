package main

import (
	"context"

	"swarmd/internal/agentrec"
	"swarmd/internal/task"
)

// storeMessageSource adapts a task.Store to agentrec.MessageSource: the
// registry's ReadMessageHistory fallback path (spec §4.C) calls it with a
// bare agent id and no context, while the store contract is ctx-first and
// typed in task.AgentEvent rather than agentrec.Event. The two shapes are
// otherwise identical, so this is a field-for-field copy, not a
// translation.
type storeMessageSource struct {
	store task.Store
}

func (a storeMessageSource) ReadAgentMessages(agentID string, limit int) ([]agentrec.Event, error) {
	events, err := a.store.ReadAgentMessages(context.Background(), agentID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]agentrec.Event, len(events))
	for i, ev := range events {
		out[i] = agentrec.Event{Type: ev.Type, Timestamp: ev.Timestamp, Payload: ev.Payload}
	}
	return out, nil
}
