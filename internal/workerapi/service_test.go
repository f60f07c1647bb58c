package workerapi

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

type welcomeServer struct {
	hellos chan protocol.Hello
}

func (s *welcomeServer) Attach(stream AttachServer) error {
	for {
		env, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if Type(env) != protocol.MessageHello {
			continue
		}
		var hello protocol.Hello
		if err := Decode(env, &hello); err != nil {
			return err
		}
		s.hellos <- hello
		reply, err := Encode(protocol.Welcome{Type: protocol.MessageWelcome, Accepted: true, Message: "hi " + hello.WorkerName})
		if err != nil {
			return err
		}
		if err := stream.Send(reply); err != nil {
			return err
		}
	}
}

func dialTestServer(t *testing.T, srv WorkerServiceServer) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	grpcSrv := grpc.NewServer()
	RegisterWorkerServiceServer(grpcSrv, srv)
	go func() {
		_ = grpcSrv.Serve(listener)
	}()
	t.Cleanup(func() {
		grpcSrv.Stop()
		_ = listener.Close()
	})

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAttachRoundTrip(t *testing.T) {
	srv := &welcomeServer{hellos: make(chan protocol.Hello, 1)}
	conn := dialTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stream, err := Attach(ctx, conn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	hello, err := Encode(protocol.Hello{
		Type:       protocol.MessageHello,
		WorkerName: "w1",
		Commands:   map[string]string{protocol.CommandShell: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := stream.Send(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	select {
	case got := <-srv.hellos:
		if got.WorkerName != "w1" || got.Commands[protocol.CommandShell] != "1.0.0" {
			t.Fatalf("unexpected hello: %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("server never saw hello")
	}

	env, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv welcome: %v", err)
	}
	if Type(env) != protocol.MessageWelcome {
		t.Fatalf("unexpected message type %q", Type(env))
	}
	var welcome protocol.Welcome
	if err := Decode(env, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if !welcome.Accepted || welcome.Message != "hi w1" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
}

func TestEnvelopeKeepsIDsAndArgs(t *testing.T) {
	env, err := Encode(protocol.StartCommand{
		Type:      protocol.MessageStart,
		RequestID: 7,
		CommandID: 1234567,
		Name:      protocol.CommandShell,
		Args: map[string]any{
			"command": []any{"make", "all"},
			"timeout": 1200.0,
			"env":     map[string]any{"CC": "clang"},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Type(env) != protocol.MessageStart {
		t.Fatalf("unexpected type %q", Type(env))
	}
	var got protocol.StartCommand
	if err := Decode(env, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != 7 || got.CommandID != 1234567 || got.Name != protocol.CommandShell {
		t.Fatalf("unexpected start: %+v", got)
	}
	cmd, ok := got.Args["command"].([]any)
	if !ok || len(cmd) != 2 || cmd[0] != "make" {
		t.Fatalf("unexpected command arg: %#v", got.Args["command"])
	}
	if got.Args["timeout"] != 1200.0 {
		t.Fatalf("unexpected timeout arg: %#v", got.Args["timeout"])
	}
	env2, _ := got.Args["env"].(map[string]any)
	if env2["CC"] != "clang" {
		t.Fatalf("unexpected env arg: %#v", got.Args["env"])
	}
}

func TestTypeOfNilEnvelope(t *testing.T) {
	if Type(nil) != "" {
		t.Fatalf("expected empty type")
	}
}
