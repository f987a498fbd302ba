// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/mission"
	"github.com/skyfleet/mission-control/pkg/model"
)

type fakeCoordinator struct {
	createErr error
	getErr    error
	mission   *model.Mission
}

func (f *fakeCoordinator) Create(_ context.Context, in mission.CreateInput) (*model.Mission, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.Mission{ID: "m1", DroneID: in.DroneID, Name: in.Name, Status: model.MissionPlanned}, nil
}

func (f *fakeCoordinator) Get(_ context.Context, id string) (*model.Mission, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.mission != nil && f.mission.ID == id {
		return f.mission, nil
	}
	return nil, errors.Newf(errors.KindNotFound, "mission %s not found", id)
}

func (f *fakeCoordinator) List(_ context.Context, _ string) ([]*model.Mission, error) {
	if f.mission == nil {
		return nil, nil
	}
	return []*model.Mission{f.mission}, nil
}

type fakeDispatcher struct {
	err    error
	result *model.Mission
	gotID  string
	gotAct model.CommandAction
}

func (f *fakeDispatcher) Send(_ context.Context, missionID string, action model.CommandAction, _ string) (*model.Mission, error) {
	f.gotID = missionID
	f.gotAct = action
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testServer(coord *fakeCoordinator, dispatch *fakeDispatcher) *httptest.Server {
	return httptest.NewServer(NewServer(coord, dispatch, nil, func() error { return nil }))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := testServer(&fakeCoordinator{}, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(&fakeCoordinator{}, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateMission(t *testing.T) {
	srv := testServer(&fakeCoordinator{}, &fakeDispatcher{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/missions", mission.CreateInput{DroneID: "d1", Name: "survey"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var m model.Mission
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, model.MissionPlanned, m.Status)
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", errors.New(errors.KindValidation, "bad polygon"), http.StatusBadRequest},
		{"not found", errors.New(errors.KindNotFound, "no such drone"), http.StatusNotFound},
		{"conflict", errors.New(errors.KindConflict, "drone busy"), http.StatusConflict},
		{"transport", errors.New(errors.KindTransport, "db down"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakeCoordinator{createErr: tt.err}, &fakeDispatcher{})
			defer srv.Close()

			resp := postJSON(t, srv.URL+"/api/missions", mission.CreateInput{DroneID: "d1", Name: "x"})
			assert.Equal(t, tt.code, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Kind)
		})
	}
}

func TestGetMission(t *testing.T) {
	coord := &fakeCoordinator{mission: &model.Mission{ID: "m1", Status: model.MissionInProgress}}
	srv := testServer(coord, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/missions/m1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/missions/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMissionsRequiresOrg(t *testing.T) {
	srv := testServer(&fakeCoordinator{}, &fakeDispatcher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/missions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/missions?org_id=org1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommandDispatch(t *testing.T) {
	dispatch := &fakeDispatcher{result: &model.Mission{ID: "m1", Status: model.MissionInProgress}}
	srv := testServer(&fakeCoordinator{}, dispatch)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/missions/m1/commands", commandRequest{Action: model.ActionStart, IssuedBy: "alice"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m1", dispatch.gotID)
	assert.Equal(t, model.ActionStart, dispatch.gotAct)

	var body commandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, model.MissionInProgress, body.Mission.Status)
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", errors.New(errors.KindTimeout, "no ack"), http.StatusRequestTimeout},
		{"rejected", errors.New(errors.KindRejected, "wind limit"), http.StatusConflict},
		{"in flight", errors.New(errors.KindConflict, "already dispatching"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakeCoordinator{}, &fakeDispatcher{err: tt.err})
			defer srv.Close()

			resp := postJSON(t, srv.URL+"/api/missions/m1/commands", commandRequest{Action: model.ActionStart})
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestCommandRejectsUnknownAction(t *testing.T) {
	srv := testServer(&fakeCoordinator{}, &fakeDispatcher{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/missions/m1/commands", map[string]string{"action": "DANCE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
