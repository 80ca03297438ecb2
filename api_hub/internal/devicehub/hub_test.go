package devicehub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"devicemanager/api_hub/internal/activity"
	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/store"
	"devicemanager/api_hub/internal/websocket"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/clients/hubclient"
	"devicemanager/pkg/testutil"
)

type recordedActivities struct {
	ch chan activity.Activity
}

func (r *recordedActivities) Publish(a activity.Activity) { r.ch <- a }

type relayed struct {
	tenant uuid.UUID
	method string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []relayed
}

func (n *recordingNotifier) NotifyTenant(_ context.Context, tenant uuid.UUID, method string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, relayed{tenant: tenant, method: method})
	return nil
}

func (n *recordingNotifier) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.calls))
	for _, c := range n.calls {
		out = append(out, c.method)
	}
	return out
}

type brokenAudit struct{ *store.MemoryStore }

func (brokenAudit) RecordQueryResult(context.Context, store.QueryResult) error {
	return errors.New("connection refused")
}

type deviceRig struct {
	srv        *httptest.Server
	jwt        *testutil.JWTTestHelper
	registry   *registry.Registry
	activities *recordedActivities
	notifier   *recordingNotifier
	store      *store.MemoryStore
	device     uuid.UUID
	tenant     uuid.UUID
}

func newDeviceRig(t *testing.T, audit func(*store.MemoryStore) store.AuditSink) *deviceRig {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := &deviceRig{
		jwt:        testutil.NewJWTTestHelper(),
		activities: &recordedActivities{ch: make(chan activity.Activity, 16)},
		notifier:   &recordingNotifier{},
		store:      store.NewMemoryStore(),
		device:     uuid.New(),
		tenant:     uuid.New(),
	}
	r.store.AddDevice(store.Device{ID: r.device, TenantID: r.tenant}, store.DisplayInfo{})
	r.registry = registry.New(Name, logger)

	var sink store.AuditSink = r.store
	if audit != nil {
		sink = audit(r.store)
	}
	hub := New(Config{
		Registry:   r.registry,
		Correlator: correlator.New(r.store, r.registry, correlator.Config{}, nil, logger),
		Activities: r.activities,
		Notifier:   r.notifier,
		Directory:  r.store,
		Audit:      sink,
		Logger:     logger,
	})
	endpoint, err := websocket.NewEndpoint(websocket.Config{
		Name:      Name,
		Policy:    websocket.RequireDevice,
		Verifier:  r.jwt.Verifier(),
		Router:    hub.Router(),
		Lifecycle: hub,
		Logger:    logger,
	})
	require.NoError(t, err)
	r.srv = httptest.NewServer(endpoint)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *deviceRig) dial(t *testing.T) *hubclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := hubclient.Dial(ctx, hubclient.Config{URL: r.srv.URL, Token: r.jwt.DeviceToken(r.device, r.tenant), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close("") })
	return c
}

func (r *deviceRig) nextActivity(t *testing.T) activity.Activity {
	t.Helper()
	select {
	case a := <-r.activities.ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no activity published")
		return activity.Activity{}
	}
}

func invoke(c *hubclient.Client, method string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Invoke(ctx, method, payload)
}

func TestConnectAndDisconnectPublishActivities(t *testing.T) {
	r := newDeviceRig(t, nil)
	first := r.dial(t)
	a := r.nextActivity(t)
	require.Equal(t, activity.KindConnected, a.Kind)
	require.Equal(t, r.device, a.SubjectID)
	require.Equal(t, r.tenant, a.TenantID)
	require.True(t, a.IsDeviceSession)

	second := r.dial(t)
	r.nextActivity(t)
	require.Len(t, r.registry.ConnectionsFor(r.device), 2)
	require.Len(t, r.registry.ConnectionsIn(registry.TenantGroup(r.tenant)), 2)

	require.NoError(t, first.Close("switching network"))
	a = r.nextActivity(t)
	require.Equal(t, activity.KindDisconnected, a.Kind)
	require.Equal(t, 1, a.RemainingConnections)
	require.Equal(t, "switching network", *a.DisconnectReason)

	require.NoError(t, second.Close(""))
	a = r.nextActivity(t)
	require.Equal(t, 0, a.RemainingConnections)
	require.Nil(t, a.DisconnectReason)
	require.Equal(t, 0, r.registry.Count())
}

func TestPingAndReportStatus(t *testing.T) {
	r := newDeviceRig(t, nil)
	c := r.dial(t)

	raw, err := invoke(c, api.MethodPing, nil)
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(raw))

	_, err = invoke(c, api.MethodReportStatus, api.ReportStatusRequest{Status: "healthy"})
	require.NoError(t, err)
	require.NoError(t, c.Notify(context.Background(), api.MethodReportStatus, nil))
}

func TestUnknownMethodAndBadPayload(t *testing.T) {
	r := newDeviceRig(t, nil)
	c := r.dial(t)

	_, err := invoke(c, api.MethodPingDevice, nil)
	var wire *api.Error
	require.ErrorAs(t, err, &wire)
	require.Equal(t, api.CodeUnknownMethod, wire.Code, "operator methods are not served on the device hub")

	_, err = invoke(c, api.MethodSendPingResponse, json.RawMessage(`{"commandId":"not-a-uuid"}`))
	require.ErrorAs(t, err, &wire)
	require.Equal(t, api.CodeBadRequest, wire.Code)

	_, err = invoke(c, api.MethodAcknowledgeCommand, api.AcknowledgeCommandRequest{CommandID: uuid.New(), Kind: api.KindPing, Success: true})
	require.ErrorAs(t, err, &wire)
	require.Equal(t, api.CodeBadRequest, wire.Code, "only power commands are acknowledged")
}

func TestStaleResponsesAreNotRelayed(t *testing.T) {
	r := newDeviceRig(t, nil)
	c := r.dial(t)

	_, err := invoke(c, api.MethodSendPingResponse, api.SendPingResponseRequest{CommandID: uuid.New(), LatencyMs: 4})
	require.NoError(t, err)
	_, err = invoke(c, api.MethodAcknowledgeCommand, api.AcknowledgeCommandRequest{CommandID: uuid.New(), Kind: api.KindRestart, Success: true})
	require.NoError(t, err)
	_, err = invoke(c, api.MethodCompleteQueryStream, api.CompleteQueryStreamRequest{ExecutionID: uuid.New()})
	require.NoError(t, err)

	require.Empty(t, r.notifier.methods())
}

func TestSendQueryResultPersistsThenRelays(t *testing.T) {
	r := newDeviceRig(t, nil)
	c := r.dial(t)

	execID := uuid.New()
	_, err := invoke(c, api.MethodSendQueryResult, api.SendQueryResultRequest{ExecutionID: execID, Success: true, RowCount: 2})
	require.NoError(t, err)

	res, ok := r.store.QueryResultFor(execID)
	require.True(t, ok)
	require.Equal(t, r.device, res.DeviceID)
	require.Equal(t, 2, res.RowCount)
	require.Equal(t, []string{api.MethodReceiveOSQueryResult}, r.notifier.methods())

	_, err = invoke(c, api.MethodSendQueryResult, api.SendQueryResultRequest{ExecutionID: execID, Success: true, RowCount: 2})
	require.NoError(t, err, "a retried result is accepted")
}

func TestSendQueryResultPersistenceFailure(t *testing.T) {
	r := newDeviceRig(t, func(m *store.MemoryStore) store.AuditSink { return brokenAudit{m} })
	c := r.dial(t)

	_, err := invoke(c, api.MethodSendQueryResult, api.SendQueryResultRequest{ExecutionID: uuid.New(), Success: true})
	var wire *api.Error
	require.ErrorAs(t, err, &wire)
	require.Equal(t, api.CodePersistenceFailed, wire.Code)
	require.Empty(t, r.notifier.methods(), "nothing is relayed before the result is durable")
}
