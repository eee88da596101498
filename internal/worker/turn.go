package worker

import (
	"context"
	"strings"
	"time"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// runTurn drives one prompt-in / response-out cycle: turn.start, one
// chunk per response word, then turn.end carrying the full output. An
// aborted turn emits turn.error instead of turn.end. The response body
// is a stand-in; producing real agent content is outside this process's
// contract.
func (r *Runner) runTurn(ctx context.Context, sessionID, turnID, prompt string) {
	defer r.clearTurn(turnID)

	r.event(protocol.EventTurnStart, bridge.TurnEventPayload{
		SessionID: sessionID,
		TurnID:    turnID,
		Ts:        time.Now().UnixMilli(),
	})

	output := respond(prompt)
	for _, chunk := range strings.SplitAfter(output, " ") {
		select {
		case <-ctx.Done():
			r.event(protocol.EventTurnError, bridge.TurnEventPayload{
				SessionID: sessionID,
				TurnID:    turnID,
				Reason:    "aborted",
				Ts:        time.Now().UnixMilli(),
			})
			return
		case <-time.After(r.chunkDelay):
		}

		r.event(protocol.EventTurnChunk, bridge.TurnEventPayload{
			SessionID: sessionID,
			TurnID:    turnID,
			Chunk:     chunk,
			Ts:        time.Now().UnixMilli(),
		})
	}

	r.event(protocol.EventTurnEnd, bridge.TurnEventPayload{
		SessionID: sessionID,
		TurnID:    turnID,
		Output:    output,
		Ts:        time.Now().UnixMilli(),
	})
}

const maxEchoLen = 160

// respond produces the stand-in turn output for a prompt.
func respond(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) > maxEchoLen {
		trimmed = trimmed[:maxEchoLen]
	}
	return "ack: " + trimmed
}
