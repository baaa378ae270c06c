package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorralabs/keel/pkg/admission"
	"github.com/quorralabs/keel/pkg/contracts"
	"github.com/quorralabs/keel/pkg/events"
	"github.com/quorralabs/keel/pkg/kernel"
	"github.com/quorralabs/keel/pkg/lease"
	"github.com/quorralabs/keel/pkg/policy"
	"github.com/quorralabs/keel/pkg/queue"
	"github.com/quorralabs/keel/pkg/staging"
)

type apiFixture struct {
	srv *Server
	q   *queue.Local
}

func newAPIFixture(t *testing.T, cfg policy.Config, mode contracts.StagingMode, secret string) *apiFixture {
	t.Helper()
	k, err := kernel.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	bus := events.NewBus()
	q := queue.NewLocal(queue.LocalConfig{})
	t.Cleanup(q.Close)

	leases := lease.NewStore(k, bus)
	gate := staging.NewGate(k, q, bus, mode, nil)
	engine := policy.NewEngine(cfg, nil)
	svc := admission.NewService(engine, leases, gate, q, k, bus)

	return &apiFixture{
		srv: NewServer(leases, gate, svc, k, nil, NewSubjectResolver(secret)),
		q:   q,
	}
}

func allowAllPolicy() policy.Config {
	return policy.Config{Posture: policy.PostureRelaxed, AllowAll: true}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLeaseCreate(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
		"capability": "net",
		"ttl_secs":   60,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got contracts.CapabilityLease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "net", got.Capability)
	assert.Equal(t, "local", got.Subject, "subject defaults when auth is off")
	assert.True(t, got.TTLUntil.After(time.Now()))
}

func TestLeaseCreate_EmptyCapability(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
		"ttl_secs": 60,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
}

func TestLeaseList(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	for _, cap := range []string{"net", "fs"} {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
			"capability": cap, "ttl_secs": 60,
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/leases", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Leases []contracts.CapabilityLease `json:"leases"`
		Count  int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Len(t, got.Leases, 2)
}

func TestActionSubmit_Queued(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/actions", map[string]any{
		"kind":  "fs.read",
		"input": map[string]any{"path": "/tmp/x"},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res admission.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, admission.OutcomeQueued, res.Outcome)
	assert.NotEmpty(t, res.ActionID)
	assert.Equal(t, 1, f.q.Depth())
}

func TestActionSubmit_Denied(t *testing.T) {
	cfg := policy.Config{
		Posture: policy.PostureStandard,
		Rules:   []policy.Rule{{KindPrefix: "net.", Capability: "net"}},
	}
	f := newAPIFixture(t, cfg, contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/actions", map[string]any{
		"kind": "net.http.get",
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var res admission.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, admission.OutcomeDenied, res.Outcome)
	assert.Equal(t, "net", res.Decision.RequireCapability)
}

func TestActionSubmit_MissingKind(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/actions", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStagingDecisionFlow(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAlways, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/actions", map[string]any{
		"kind": "fs.write",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res admission.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, admission.OutcomeStaged, res.Outcome)
	require.NotEmpty(t, res.StagingID)
	assert.Zero(t, f.q.Depth(), "staged actions never touch the queue")

	rec = doJSON(t, h, http.MethodPost, "/api/v1/staging/"+res.StagingID+"/approve",
		map[string]any{"decided_by": "ops"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var entry contracts.StagingEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, contracts.StagingApproved, entry.Status)
	assert.Equal(t, 1, f.q.Depth(), "approval releases the action to the queue")

	// A second decision on the same entry conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/staging/"+res.StagingID+"/deny",
		map[string]any{"decided_by": "ops", "reason": "changed my mind"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStagingDecision_UnknownID(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAlways, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/staging/nope/approve",
		map[string]any{"decided_by": "ops"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobFlush(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	for range 3 {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/actions", map[string]any{
			"kind": "fs.read",
		}, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/autonomy/jobs?state=queued", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Scope   string `json:"scope"`
		Removed int64  `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "queued", got.Scope)
	assert.Equal(t, int64(3), got.Removed)
}

func TestJobFlush_InvalidScope(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodDelete, "/api/v1/autonomy/jobs?state=sideways", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func signSubject(t *testing.T, secret, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuth_TokenBindsSubject(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "sekrit")
	h := f.srv.Routes()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signSubject(t, "sekrit", "alice"))

	// The body claims a different subject; the token wins.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
		"subject":    "mallory",
		"capability": "net",
		"ttl_secs":   60,
	}, header)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got contracts.CapabilityLease
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "alice", got.Subject)
}

func TestAuth_MissingToken(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "sekrit")
	h := f.srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
		"capability": "net",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_BadSignature(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "sekrit")
	h := f.srv.Routes()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signSubject(t, "wrong-secret", "alice"))

	rec := doJSON(t, h, http.MethodPost, "/api/v1/leases", map[string]any{
		"capability": "net",
	}, header)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, allowAllPolicy(), contracts.StagingModeAuto, "")
	h := RateLimit(1, 2, f.srv.Routes())

	var limited bool
	for range 10 {
		rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst 2 exhausts within ten rapid requests")
}
