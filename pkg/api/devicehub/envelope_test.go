package devicehub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCompletionNilPayloadIsNull(t *testing.T) {
	env, err := Completion("7", nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	raw, _ := json.Marshal(env)
	if string(raw) != `{"type":"completion","id":"7","payload":null}` {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func TestFailureFrame(t *testing.T) {
	raw, _ := json.Marshal(Failure("3", CodeTimedOut, "device did not answer"))
	if string(raw) != `{"type":"completion","id":"3","error":{"code":"timed_out","message":"device did not answer"}}` {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func TestPushCarriesRawPayloadUnchanged(t *testing.T) {
	env, err := Push(MethodReceiveDeviceStatus, json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if string(env.Payload) != `{"a":1}` || env.ID != "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDeviceStatusReasonSerializesNull(t *testing.T) {
	n := DeviceStatusNotification{DeviceID: uuid.New(), Online: false, Timestamp: time.Unix(0, 0).UTC()}
	raw, _ := json.Marshal(n)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	reason, present := decoded["reason"]
	if !present || reason != nil {
		t.Fatalf("expected explicit null reason, got %s", raw)
	}
}

func TestKindMethods(t *testing.T) {
	cases := map[CommandKind]string{
		KindPing:           MethodMeasurePing,
		KindShutdown:       MethodExecuteShutdown,
		KindRestart:        MethodExecuteRestart,
		KindStreamingQuery: MethodExecuteStreamingQuery,
	}
	for kind, method := range cases {
		if kind.Method() != method {
			t.Fatalf("%s: expected %s, got %s", kind, method, kind.Method())
		}
		if back, ok := KindForMethod(method); !ok || back != kind {
			t.Fatalf("KindForMethod(%s) = %s, %v", method, back, ok)
		}
	}
	if CommandKind("Reboot").Valid() {
		t.Fatalf("unknown kind must be invalid")
	}
}

func TestTimeoutDefault(t *testing.T) {
	if Timeout(nil) != 30*time.Second {
		t.Fatalf("expected default 30s")
	}
	zero, five := 0, 5
	if Timeout(&zero) != 30*time.Second {
		t.Fatalf("expected non-positive to fall back to default")
	}
	if Timeout(&five) != 5*time.Second {
		t.Fatalf("expected 5s")
	}
}
