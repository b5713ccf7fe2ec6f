package smtpkit

import (
	"context"
	"net"
	"testing"
	"time"
)

// startTestServer serves on a random local port and returns the server
// and its address.
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := NewServer(ln.Addr().String(), config)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server, ln.Addr().String()
}

func TestDialerEndToEnd(t *testing.T) {
	received := make(chan *Transaction, 1)
	bodies := make(chan []byte, 1)
	config := testServerConfig()
	config.EhloKeywords = map[string][]string{"SIZE": {"10485760"}}
	config.Callbacks = &Callbacks{
		OnTransaction: func(s *ServerEngine, txn *Transaction) error {
			body, err := txn.Body.(*Spool).Bytes()
			if err != nil {
				return err
			}
			received <- txn
			bodies <- body
			return nil
		},
	}
	_, addr := startTestServer(t, config)

	dialer := NewDialer(testClientConfig())
	dialer.IOTimeout = 5 * time.Second
	sess, err := dialer.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if sess.Greeting() == "" {
		t.Fatal("no greeting recorded")
	}
	if err := sess.Hello(); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if got := sess.ServerKeywords()["SIZE"]; got != "10485760" {
		t.Fatalf("SIZE keyword = %q", got)
	}

	err = sess.SendMessage(
		Path{Mailbox: "sender@client.example.com"},
		[]Path{{Mailbox: "rcpt@example.com"}},
		[]byte("Subject: test\r\n\r\nHello over TCP.\r\n"),
	)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := sess.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}

	select {
	case txn := <-received:
		if txn.ReversePath.Mailbox != "sender@client.example.com" {
			t.Errorf("reverse path = %v", txn.ReversePath)
		}
		if txn.ClientAddress == "" {
			t.Error("client address not snapshot from connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never delivered the transaction")
	}
	if body := <-bodies; string(body) != "Subject: test\r\n\r\nHello over TCP.\r\n" {
		t.Errorf("body = %q", body)
	}
}

func TestQuickSend(t *testing.T) {
	done := make(chan struct{}, 1)
	config := testServerConfig()
	config.Callbacks = &Callbacks{
		OnTransaction: func(s *ServerEngine, txn *Transaction) error {
			done <- struct{}{}
			return nil
		},
	}
	_, addr := startTestServer(t, config)

	err := QuickSend(context.Background(), addr,
		Path{},
		[]Path{{Mailbox: "rcpt@example.com"}},
		[]byte("Subject: q\r\n\r\nquick\r\n"),
		testClientConfig(),
	)
	if err != nil {
		t.Fatalf("QuickSend: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDialerRejectedRecipient(t *testing.T) {
	config := testServerConfig()
	config.Callbacks = &Callbacks{
		OnRcptTo: func(s *ServerEngine, p Path) error {
			return &SMTPError{Code: 550, Message: "no such user"}
		},
	}
	_, addr := startTestServer(t, config)

	dialer := NewDialer(testClientConfig())
	dialer.IOTimeout = 5 * time.Second
	sess, err := dialer.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	if err := sess.Hello(); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	err = sess.SendMessage(Path{}, []Path{{Mailbox: "ghost@example.com"}}, []byte("x\r\n"))
	if err == nil {
		t.Fatal("SendMessage succeeded with all recipients rejected")
	}
}

func TestServerShutdownReturnsErrServerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := NewServer(ln.Addr().String(), testServerConfig())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-serveErr:
		if err != ErrServerClosed {
			t.Fatalf("Serve = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
