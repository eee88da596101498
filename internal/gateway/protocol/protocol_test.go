package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synth() string { return "synth-1" }

func TestDecodeRequest_Valid(t *testing.T) {
	req, perr := DecodeRequest([]byte(`{"type":"req","id":"1","method":"health"}`), synth)
	require.Nil(t, perr)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, MethodHealth, req.Method)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	req, perr := DecodeRequest([]byte(`{not json`), synth)
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)
	// A malformed frame is still answered, with a synthesized id.
	assert.Equal(t, "synth-1", req.ID)
}

func TestDecodeRequest_WrongType(t *testing.T) {
	req, perr := DecodeRequest([]byte(`{"type":"event","id":"7"}`), synth)
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)
	assert.Equal(t, "7", req.ID)
}

func TestDecodeRequest_BlankID(t *testing.T) {
	req, perr := DecodeRequest([]byte(`{"type":"req","method":"health"}`), synth)
	require.Nil(t, perr)
	assert.Equal(t, "synth-1", req.ID)
}

func TestParseParams_Connect(t *testing.T) {
	raw := json.RawMessage(`{"protocol":"brewva.gateway.v1","challengeNonce":"N","auth":{"token":"T"},"client":{"id":"cli","version":"1"}}`)
	p, perr := ParseParams(MethodConnect, raw)
	require.Nil(t, perr)
	cp, ok := p.(*ConnectParams)
	require.True(t, ok)
	assert.Equal(t, "N", cp.ChallengeNonce)
	assert.Equal(t, "T", cp.Auth.Token)
}

func TestParseParams_ConnectMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no protocol", `{"challengeNonce":"N","auth":{"token":"T"},"client":{"id":"c","version":"1"}}`},
		{"no nonce", `{"protocol":"p","auth":{"token":"T"},"client":{"id":"c","version":"1"}}`},
		{"no token", `{"protocol":"p","challengeNonce":"N","client":{"id":"c","version":"1"}}`},
		{"no client", `{"protocol":"p","challengeNonce":"N","auth":{"token":"T"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := ParseParams(MethodConnect, json.RawMessage(tt.raw))
			require.NotNil(t, perr)
			assert.Equal(t, CodeInvalidRequest, perr.Code)
		})
	}
}

func TestParseParams_SendRequiresPrompt(t *testing.T) {
	_, perr := ParseParams(MethodSessionsSend, json.RawMessage(`{"sessionId":"s1"}`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidRequest, perr.Code)
}

func TestParseParams_UnknownMethod(t *testing.T) {
	_, perr := ParseParams("sessions.frobnicate", nil)
	require.NotNil(t, perr)
	assert.Equal(t, CodeMethodNotFound, perr.Code)
}

func TestParseParams_NilParamsForEmptyMethods(t *testing.T) {
	for _, m := range []string{MethodHealth, MethodStatusDeep, MethodHeartbeatReload, MethodRotateToken} {
		_, perr := ParseParams(m, nil)
		assert.Nil(t, perr, m)
	}
}

func TestIsSessionScoped(t *testing.T) {
	assert.True(t, IsSessionScoped(EventTurnStart))
	assert.True(t, IsSessionScoped(EventTurnError))
	assert.False(t, IsSessionScoped(EventTick))
	assert.False(t, IsSessionScoped(EventHeartbeatFired))
	assert.False(t, IsSessionScoped(EventChallenge))
}

func TestAsError(t *testing.T) {
	typed := BadState(KindSessionBusy, "worker is busy")
	assert.Same(t, typed, AsError(fmt.Errorf("dispatch: %w", typed)))

	plain := AsError(errors.New("boom"))
	assert.Equal(t, CodeInternal, plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestBadStateDetails(t *testing.T) {
	e := BadState(KindWorkerLimit, "worker limit reached").
		WithDetail("maxWorkers", 4).
		WithRetryable()
	assert.Equal(t, KindWorkerLimit, e.Kind())
	assert.True(t, e.Retryable)
	assert.Equal(t, 4, e.Details["maxWorkers"])
}

func TestMethodAndEventSetsCoverDispatch(t *testing.T) {
	assert.Len(t, Methods(), 12)
	assert.Len(t, Events(), 8)
	for _, m := range Methods() {
		if m == MethodConnect {
			continue
		}
		_, perr := ParseParams(m, json.RawMessage(`{"sessionId":"s","prompt":"p"}`))
		assert.Nil(t, perr, m)
	}
}
