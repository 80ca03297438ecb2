package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"devicemanager/pkg/api/devicehub"
)

// fakeHub answers Echo with its payload, streams three items for Count,
// fails Boom, hangs up on Quit and pushes a greeting on connect.
func fakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		greeting, _ := devicehub.Push("Hello", map[string]string{"msg": "hi"})
		_ = conn.WriteJSON(greeting)

		for {
			var env devicehub.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Method {
			case "Echo":
				reply, _ := devicehub.Completion(env.ID, env.Payload)
				_ = conn.WriteJSON(reply)
			case "Count":
				for i := 1; i <= 3; i++ {
					item, _ := devicehub.StreamItem(env.ID, i)
					_ = conn.WriteJSON(item)
				}
				done, _ := devicehub.Completion(env.ID, nil)
				_ = conn.WriteJSON(done)
			case "Boom":
				_ = conn.WriteJSON(devicehub.Failure(env.ID, devicehub.CodeTimedOut, "too slow"))
			case "Quit":
				return
			case "Forget":
				echo, _ := devicehub.Push("Forgotten", env.Payload)
				_ = conn.WriteJSON(echo)
			}
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server, token string) (*Client, error) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, Config{URL: srv.URL + "/hubs/test", Token: token, Logger: logger})
}

func nextPush(t *testing.T, c *Client) devicehub.Envelope {
	t.Helper()
	select {
	case env := <-c.Pushes():
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for push")
	}
	return devicehub.Envelope{}
}

func TestInvokeAndPushes(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := dial(t, srv, "good")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close("")

	if push := nextPush(t, c); push.Method != "Hello" {
		t.Fatalf("expected greeting push, got %+v", push)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.Invoke(ctx, "Echo", map[string]int{"n": 5})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(raw) != `{"n":5}` {
		t.Fatalf("unexpected echo: %s", raw)
	}

	_, err = c.Invoke(ctx, "Boom", nil)
	var hubErr *devicehub.Error
	if !errors.As(err, &hubErr) || hubErr.Code != devicehub.CodeTimedOut {
		t.Fatalf("expected timed_out hub error, got %v", err)
	}

	if err := c.Notify(ctx, "Forget", "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if push := nextPush(t, c); push.Method != "Forgotten" || string(push.Payload) != `"x"` {
		t.Fatalf("unexpected push: %+v", push)
	}
}

func TestStreamYieldsItemsThenEOF(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	c, err := dial(t, srv, "good")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close("")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := c.Stream(ctx, "Count", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var got []int
	for {
		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		var n int
		_ = json.Unmarshal(raw, &n)
		got = append(got, n)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after completion, got %v", err)
	}
}

func TestDialRejected(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()

	_, err := dial(t, srv, "bad")
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake error, got %v", err)
	}
}

func TestInvokeFailsWhenServerGoesAway(t *testing.T) {
	srv := fakeHub(t)
	defer srv.Close()
	c, err := dial(t, srv, "good")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Notify(context.Background(), "Quit", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected connection to end")
	}
	if _, err := c.Invoke(context.Background(), "Echo", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://h:1/hubs/device":  "ws://h:1/hubs/device",
		"https://h/hubs/operator": "wss://h/hubs/operator",
		"ws://h/x":                "ws://h/x",
	}
	for in, want := range cases {
		got, err := websocketURL(in)
		if err != nil || got != want {
			t.Fatalf("websocketURL(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := websocketURL("ftp://h"); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}
