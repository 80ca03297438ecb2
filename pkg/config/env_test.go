package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("HUB_FOO", "")
	if got := GetEnv("HUB_FOO", "bar"); got != "bar" {
		t.Fatalf("expected bar, got %s", got)
	}
	t.Setenv("HUB_FOO", " baz ")
	if got := GetEnv("HUB_FOO", "bar"); got != "baz" {
		t.Fatalf("expected baz, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("HUB_NUM", "")
	if got := GetEnvInt("HUB_NUM", 42); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("HUB_NUM", "100")
	if got := GetEnvInt("HUB_NUM", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	t.Setenv("HUB_NUM", "notint")
	if got := GetEnvInt("HUB_NUM", 7); got != 7 {
		t.Fatalf("expected 7 on parse error, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("HUB_FLAG", "")
	if got := GetEnvBool("HUB_FLAG", true); got != true {
		t.Fatalf("expected true default, got %v", got)
	}
	t.Setenv("HUB_FLAG", "false")
	if got := GetEnvBool("HUB_FLAG", true); got != false {
		t.Fatalf("expected false, got %v", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 3 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"5m", 5 * time.Minute},
		{"45", 45 * time.Second},
		{"soon", 3 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv("HUB_WAIT", tc.raw)
		if got := GetEnvDuration("HUB_WAIT", 3*time.Second); got != tc.want {
			t.Fatalf("GetEnvDuration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("HUB_BROKERS", "a:9092, b:9092,,")
	got := GetEnvList("HUB_BROKERS")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected list: %#v", got)
	}
	t.Setenv("HUB_BROKERS", " ")
	if got := GetEnvList("HUB_BROKERS"); got != nil {
		t.Fatalf("expected nil for blank list, got %#v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	if GetLogLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level")
	}
	t.Setenv("LOG_LEVEL", "WARN")
	if GetLogLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level")
	}
	t.Setenv("LOG_LEVEL", "")
	if GetLogLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default")
	}
}

func TestLoadEnv_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	LoadEnv(logrus.New())
	LoadEnv(nil)
}
