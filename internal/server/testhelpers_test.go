package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/izzyreal/buildmaster/internal/config"
	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/store"
	"github.com/izzyreal/buildmaster/internal/workerapi"
)

const testConfig = `
version: 1
master:
  name: test-master
workers:
  - name: w1
  - name: w2
builders:
  - name: linux
    workers: [w1]
    branches: ["main"]
    steps:
      - type: shell
        name: hello
        command: echo hello
  - name: docs
    workers: [w2]
    branches: ["docs/**"]
    merge_requests: false
    steps:
      - type: shell
        name: render
        command: make docs
`

func openTestDB(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildmaster.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func newTestMaster(t *testing.T, db *store.Store) *Master {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig), "test")
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	m, err := NewMaster(cfg, db, nil)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	m.Start(ctx)
	return m
}

// fakeWorker answers every start with the configured output and exit code.
type fakeWorker struct {
	name   string
	stdout string
	rc     int

	stream  workerapi.AttachClient
	welcome protocol.Welcome
	started chan protocol.StartCommand
}

func dialMaster(t *testing.T, m *Master) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	grpcSrv := grpc.NewServer()
	workerapi.RegisterWorkerServiceServer(grpcSrv, m.WorkerService())
	go func() {
		_ = grpcSrv.Serve(listener)
	}()
	t.Cleanup(func() {
		grpcSrv.Stop()
		_ = listener.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// attach says hello and returns once the master answered with a welcome.
func (w *fakeWorker) attach(t *testing.T, conn *grpc.ClientConn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := workerapi.Attach(ctx, conn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	hello, err := workerapi.Encode(protocol.Hello{
		Type:       protocol.MessageHello,
		WorkerName: w.name,
		Version:    "test",
		OS:         "linux",
		Arch:       "amd64",
		Commands:   map[string]string{protocol.CommandShell: "1"},
	})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := stream.Send(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	env, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv welcome: %v", err)
	}
	if err := workerapi.Decode(env, &w.welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	w.stream = stream
	w.started = make(chan protocol.StartCommand, 8)
	if w.welcome.Accepted {
		go w.serve()
	}
}

func (w *fakeWorker) send(msg any) error {
	env, err := workerapi.Encode(msg)
	if err != nil {
		return err
	}
	return w.stream.Send(env)
}

func (w *fakeWorker) serve() {
	for {
		env, err := w.stream.Recv()
		if err != nil {
			return
		}
		switch workerapi.Type(env) {
		case protocol.MessageStart:
			var start protocol.StartCommand
			if err := workerapi.Decode(env, &start); err != nil {
				return
			}
			w.started <- start
			_ = w.send(protocol.Ack{Type: protocol.MessageAck, RequestID: start.RequestID})
			_ = w.send(protocol.UpdateBatch{
				Type:      protocol.MessageUpdate,
				CommandID: start.CommandID,
				Updates: []protocol.SequencedUpdate{
					{Seq: 0, Update: map[string]any{protocol.UpdateStdout: w.stdout}},
					{Seq: 1, Update: map[string]any{protocol.UpdateRC: w.rc}},
				},
			})
			_ = w.send(protocol.Complete{Type: protocol.MessageComplete, CommandID: start.CommandID})
		case protocol.MessageInterrupt:
			var in protocol.InterruptCommand
			if err := workerapi.Decode(env, &in); err != nil {
				return
			}
			_ = w.send(protocol.Ack{Type: protocol.MessageAck, RequestID: in.RequestID, Error: protocol.AckErrNoSuchCommand})
		}
	}
}

func waitForResult(t *testing.T, m *Master, builder string, number int) protocol.BuildView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := m.Build(builder, number)
		if err == nil && v.Result != nil && !v.FinishedUTC.IsZero() {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("build %s #%d did not finish", builder, number)
	return protocol.BuildView{}
}
