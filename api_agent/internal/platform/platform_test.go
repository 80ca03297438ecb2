package platform

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

type recordedRun struct {
	name string
	args []string
}

func recorder(runs *[]recordedRun) Runner {
	return func(_ context.Context, name string, args ...string) error {
		*runs = append(*runs, recordedRun{name: name, args: args})
		return nil
	}
}

func TestHostRunsShutdownCommand(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var runs []recordedRun
	h := NewHost(false, logger, WithOS("linux"), WithDelay(0), WithRunner(recorder(&runs)))

	if err := h.Do(context.Background(), Restart); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []recordedRun{{name: "shutdown", args: []string{"-r", "now"}}}
	if !reflect.DeepEqual(runs, want) {
		t.Fatalf("expected %+v, got %+v", want, runs)
	}
}

func TestHostWindowsCommands(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var runs []recordedRun
	h := NewHost(false, logger, WithOS("windows"), WithDelay(0), WithRunner(recorder(&runs)))

	if err := h.Do(context.Background(), Shutdown); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(runs) != 1 || !reflect.DeepEqual(runs[0].args, []string{"/s", "/t", "0"}) {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestHostDryRunLogsInstead(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var runs []recordedRun
	h := NewHost(true, logger, WithOS("linux"), WithRunner(recorder(&runs)))

	if err := h.Do(context.Background(), Shutdown); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("dry run must not execute, got %+v", runs)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "Dry run, not executing power action" {
		t.Fatalf("expected dry run log entry, got %+v", entry)
	}
}

func TestHostUnsupportedPlatform(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHost(false, logger, WithOS("plan9"))
	if err := h.Check(Shutdown); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if err := h.Do(context.Background(), Restart); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from Do, got %v", err)
	}
}

func TestHostDelayHonorsContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var runs []recordedRun
	h := NewHost(false, logger, WithOS("linux"), WithRunner(recorder(&runs)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Do(ctx, Shutdown); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("cancelled action must not run")
	}
}
