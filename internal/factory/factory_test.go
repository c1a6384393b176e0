//go:build linux

package factory

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/smukkama/cnxnfactory/pkg/config"
)

func newTestConfig() config.FactoryConfig {
	cfg := config.FactoryConfig{
		ListenAddr:             "127.0.0.1:0",
		SessionlessCnxnTimeout: 200 * time.Millisecond,
		NumSelectorThreads:     1,
		NumWorkerThreads:       2,
		ShutdownTimeout:        time.Second,
		MaxClientCnxns:         0,
		WorkerQueueDepth:       16,
	}
	return cfg
}

func TestFactoryLifecycleHandshake(t *testing.T) {
	f := New(newTestConfig(), nil)

	if err := f.Configure("127.0.0.1:0", 0, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if f.State() != StateConfigured {
		t.Fatalf("expected Configured after configure, got %s", f.State())
	}

	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.State() != StateRunning {
		t.Fatalf("expected Running after start, got %s", f.State())
	}

	addr := f.acceptorThread.Addr().String()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	req := map[string]interface{}{"type": "connect", "session_id": 0, "session_timeout_ms": 5000}
	data, _ := json.Marshal(req)
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	if resp["type"] != "connected" {
		t.Fatalf("expected a connected response, got %v", resp["type"])
	}
	if accepted, _ := resp["accepted"].(bool); !accepted {
		t.Fatalf("expected accepted=true, got %v", resp["accepted"])
	}

	f.Shutdown()
	if f.State() != StateStopped {
		t.Fatalf("expected Stopped after shutdown, got %s", f.State())
	}
}

func TestFactoryConfigureRejectsSecure(t *testing.T) {
	f := New(newTestConfig(), nil)
	if err := f.Configure("127.0.0.1:0", 0, true); err == nil {
		t.Fatal("expected configure(secure=true) to fail")
	}
}

func TestFactoryStartBeforeConfigureFails(t *testing.T) {
	f := New(newTestConfig(), nil)
	if err := f.Start(); err == nil {
		t.Fatal("expected start before configure to fail")
	}
}

func TestFactoryStopIsIdempotent(t *testing.T) {
	f := New(newTestConfig(), nil)
	if err := f.Configure("127.0.0.1:0", 0, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.Stop()
	f.Stop()
	f.Join()
}
