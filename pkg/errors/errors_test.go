// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsValidation(New(KindValidation, "bad input")))
	assert.True(t, IsNotFound(New(KindNotFound, "missing")))
	assert.True(t, IsConflict(New(KindConflict, "busy")))
	assert.True(t, IsTimeout(New(KindTimeout, "too slow")))
	assert.False(t, IsTimeout(New(KindValidation, "bad input")))
	assert.False(t, IsValidation(fmt.Errorf("plain error")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindNotFound, "mission gone")
	outer := fmt.Errorf("loading mission: %w", inner)
	assert.True(t, IsNotFound(outer))
	assert.Equal(t, KindNotFound, KindOf(outer))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransport, nil, "no-op"))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindTransport, cause, "dialing broker")
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "dialing broker")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindTimeout, http.StatusRequestTimeout},
		{KindTransport, http.StatusBadGateway},
		{KindRejected, http.StatusConflict},
		{KindCancelled, 499},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, HTTPStatus(New(tt.kind, "x")), tt.kind.String())
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}
