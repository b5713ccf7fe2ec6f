package smtpkit

import (
	"errors"
	"strings"
	"testing"
)

func testClientConfig() ClientConfig {
	config := DefaultClientConfig("client.example.com")
	config.Logger = discardLogger()
	return config
}

// loopback wires a client engine and a server engine together through
// an in-memory pipe, both driven from the test goroutine.
type loopback struct {
	t      *testing.T
	client *ClientEngine
	server *ServerEngine
}

func newLoopback(t *testing.T, serverConfig ServerConfig, clientConfig ClientConfig) *loopback {
	t.Helper()
	a, b := NewMemoryPipe()
	return &loopback{
		t:      t,
		client: NewClientEngine(NewTransport(a, a), clientConfig),
		server: NewServerEngine(NewTransport(b, b), serverConfig),
	}
}

// pump runs both engines until neither makes progress.
func (lb *loopback) pump() {
	lb.t.Helper()
	for range 100 {
		p1 := lb.server.HandleIO()
		p2 := lb.client.HandleIO()
		if !p1 && !p2 {
			return
		}
	}
	lb.t.Fatal("engines did not quiesce")
}

// result waits for req via pumping and returns its response.
func (lb *loopback) result(req *PendingRequest, err error) *Response {
	lb.t.Helper()
	if err != nil {
		lb.t.Fatalf("command: %v", err)
	}
	lb.pump()
	if !req.Resolved() {
		lb.t.Fatal("request did not resolve")
	}
	resp, rerr := req.Result()
	if rerr != nil {
		lb.t.Fatalf("request failed: %v", rerr)
	}
	return resp
}

func TestClientGreeting(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	if lb.client.State() != StateConnect {
		t.Fatalf("initial state = %v", lb.client.State())
	}
	lb.pump()
	if lb.client.State() != StateHandshake {
		t.Fatalf("state = %v, want HANDSHAKE", lb.client.State())
	}
	if lb.client.Greeting() != "smtpkit server on example.com" {
		t.Fatalf("greeting = %q", lb.client.Greeting())
	}
}

func TestClientCommandIllegalBeforeGreeting(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	// No pump yet: the greeting has not been consumed.
	_, err := lb.client.MailFrom(Path{})
	var perr *ProgrammerError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProgrammerError", err)
	}
}

func TestClientSimpleSession(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()

	resp := lb.result(lb.client.Ehlo())
	if resp.Code != 250 || resp.Lines[0] != "example.com" {
		t.Fatalf("EHLO resp = %+v", resp)
	}
	if lb.client.State() != StateReady {
		t.Fatalf("client state = %v, want READY", lb.client.State())
	}
	if lb.server.State() != StateReady {
		t.Fatalf("server state = %v, want READY", lb.server.State())
	}
	if lb.client.ServerHelo() != "example.com" {
		t.Fatalf("server helo = %q", lb.client.ServerHelo())
	}
}

func TestClientEhloKeywordsParsed(t *testing.T) {
	serverConfig := testServerConfig()
	serverConfig.EhloKeywords = map[string][]string{
		"PIPELINING": nil,
		"SIZE":       {"10485760"},
	}
	lb := newLoopback(t, serverConfig, testClientConfig())
	lb.pump()

	resp := lb.result(lb.client.Ehlo())
	wantLines := []string{"example.com", "PIPELINING", "SIZE 10485760"}
	if len(resp.Lines) != 3 {
		t.Fatalf("lines = %v", resp.Lines)
	}
	for i := range wantLines {
		if resp.Lines[i] != wantLines[i] {
			t.Fatalf("lines = %v, want %v", resp.Lines, wantLines)
		}
	}
	kw := lb.client.ServerKeywords()
	if kw["PIPELINING"] != "" || kw["SIZE"] != "10485760" {
		t.Fatalf("keywords = %v", kw)
	}
}

// TestClientFIFO pipelines several commands and checks the observers
// resolve in issue order with matching responses.
func TestClientFIFO(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()

	// NOOP is legal in handshake, so several can be issued back-to-back
	// without waiting for responses.
	var reqs []*PendingRequest
	for range 3 {
		req, err := lb.client.Noop()
		if err != nil {
			t.Fatalf("Noop: %v", err)
		}
		reqs = append(reqs, req)
	}
	for i, req := range reqs {
		if req.Resolved() {
			t.Fatalf("request %d resolved before pump", i)
		}
	}

	lb.pump()
	for i, req := range reqs {
		if !req.Resolved() {
			t.Fatalf("request %d unresolved", i)
		}
		resp, err := req.Result()
		if err != nil || resp.Code != 250 {
			t.Fatalf("request %d = (%v, %v)", i, resp, err)
		}
	}
}

func TestClientFullTransaction(t *testing.T) {
	var received *Transaction
	var body []byte
	serverConfig := testServerConfig()
	serverConfig.Callbacks = &Callbacks{
		OnTransaction: func(s *ServerEngine, txn *Transaction) error {
			received = txn
			body, _ = txn.Body.(*Spool).Bytes()
			return nil
		},
	}
	lb := newLoopback(t, serverConfig, testClientConfig())
	lb.pump()

	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{Mailbox: "sender@client.example.com"}))
	if lb.client.State() != StateMail {
		t.Fatalf("client state = %v, want MAIL", lb.client.State())
	}
	lb.result(lb.client.RcptTo(Path{Mailbox: "rcpt@example.com"}))

	resp := lb.result(lb.client.DataWith([]byte("Subject: hi\r\n\r\nHello\r\n.dot line\r\n")))
	if resp.Code != 250 {
		t.Fatalf("final DATA resp = %+v", resp)
	}
	if lb.client.State() != StateReady {
		t.Fatalf("client state = %v, want READY", lb.client.State())
	}

	if received == nil {
		t.Fatal("server did not receive the transaction")
	}
	if received.ReversePath.Mailbox != "sender@client.example.com" {
		t.Errorf("reverse path = %v", received.ReversePath)
	}
	if string(body) != "Subject: hi\r\n\r\nHello\r\n.dot line\r\n" {
		t.Errorf("body = %q", body)
	}

	resp = lb.result(lb.client.Quit())
	if resp.Code != 221 {
		t.Fatalf("QUIT resp = %+v", resp)
	}
	if lb.client.State() != StateQuit || lb.server.State() != StateQuit {
		t.Fatalf("states = %v/%v, want QUIT/QUIT",
			lb.client.State(), lb.server.State())
	}
	// Both halves closed their write side.
	if lb.client.Transport().OutputFinal() != FinalityEOF {
		t.Error("client write half still open after QUIT")
	}
	if lb.server.Transport().OutputFinal() != FinalityEOF {
		t.Error("server write half still open after 221")
	}
}

func TestClientManualDataStreaming(t *testing.T) {
	var body []byte
	serverConfig := testServerConfig()
	serverConfig.Callbacks = &Callbacks{
		OnTransaction: func(s *ServerEngine, txn *Transaction) error {
			body, _ = txn.Body.(*Spool).Bytes()
			return nil
		},
	}
	lb := newLoopback(t, serverConfig, testClientConfig())
	lb.pump()

	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{}))
	lb.result(lb.client.RcptTo(Path{Mailbox: "x@example.com"}))

	resp := lb.result(lb.client.Data())
	if resp.Code != 354 {
		t.Fatalf("DATA resp = %+v", resp)
	}
	if lb.client.State() != StateData {
		t.Fatalf("client state = %v, want DATA", lb.client.State())
	}

	// Fragmented writes across line and stuffing boundaries.
	for _, chunk := range []string{"Fo", "o\n.Li", "ne starting with dot\n", ". Line starting with dot-space\n"} {
		if err := lb.client.WriteData([]byte(chunk)); err != nil {
			t.Fatalf("WriteData(%q): %v", chunk, err)
		}
	}
	final, err := lb.client.EndData()
	if err != nil {
		t.Fatalf("EndData: %v", err)
	}
	resp = lb.result(final, nil)
	if resp.Code != 250 {
		t.Fatalf("final resp = %+v", resp)
	}

	want := "Foo\r\n.Line starting with dot\r\n. Line starting with dot-space\r\n"
	if string(body) != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
}

func TestClientWriteDataIllegalOutsideDataState(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()
	var perr *ProgrammerError
	if err := lb.client.WriteData([]byte("x")); !errors.As(err, &perr) {
		t.Fatalf("WriteData err = %v, want ProgrammerError", err)
	}
}

func TestClientEndDataMidLine(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()
	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{}))
	lb.result(lb.client.RcptTo(Path{Mailbox: "x@example.com"}))
	lb.result(lb.client.Data())

	lb.client.WriteData([]byte("no line ending"))
	if _, err := lb.client.EndData(); !errors.Is(err, ErrIncompleteLine) {
		t.Fatalf("EndData = %v, want ErrIncompleteLine", err)
	}
}

func TestClientRejectedGreeting(t *testing.T) {
	serverConfig := testServerConfig()
	serverConfig.Callbacks = &Callbacks{
		OnConnect: func(s *ServerEngine) error { return errors.New("go away") },
	}
	lb := newLoopback(t, serverConfig, testClientConfig())
	lb.pump()

	if lb.client.State() != StateReject {
		t.Fatalf("client state = %v, want REJECT", lb.client.State())
	}
	// Only QUIT (and NOOP) may be issued.
	if _, err := lb.client.Ehlo(); err == nil {
		t.Fatal("EHLO allowed in reject state")
	}
	resp := lb.result(lb.client.Quit())
	if resp.Code != 221 {
		t.Fatalf("QUIT resp = %+v", resp)
	}
}

func TestClientServerShutdown421(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()

	req, err := lb.client.Noop()
	if err != nil {
		t.Fatalf("Noop: %v", err)
	}
	// Hand-deliver a 421 in place of the server's reply.
	lb.client.Transport().In().AppendString("421 example.com shutting down\r\n")
	lb.client.HandleIO()

	if !req.Resolved() {
		t.Fatal("request unresolved after 421")
	}
	resp, _ := req.Result()
	if resp.Code != 421 {
		t.Fatalf("resp = %+v", resp)
	}
	if lb.client.State() != StateQuit {
		t.Fatalf("state = %v, want QUIT after 421", lb.client.State())
	}
}

func TestClientParseErrorAborts(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()

	req, err := lb.client.Noop()
	if err != nil {
		t.Fatalf("Noop: %v", err)
	}
	lb.client.Transport().In().AppendString("250-a\r\n550 mismatched\r\n")
	lb.client.HandleIO()

	if !req.Resolved() {
		t.Fatal("request unresolved after parse error")
	}
	if _, rerr := req.Result(); rerr == nil {
		t.Fatal("request resolved without error")
	}
	if lb.client.State() != StateAbort {
		t.Fatalf("state = %v, want ABORT", lb.client.State())
	}
}

func TestClientEOFFailsOutstandingRequests(t *testing.T) {
	a, _ := NewMemoryPipe()
	client := NewClientEngine(NewTransport(a, a), testClientConfig())

	// Server vanishes before the greeting.
	a.Close()
	client.HandleIO()

	if client.State() != StateAbort {
		t.Fatalf("state = %v, want ABORT", client.State())
	}
	if client.GreetingRequest() != nil {
		t.Fatal("greeting request still queued after abort")
	}
}

func TestClientIDNADomainNormalized(t *testing.T) {
	config := testClientConfig()
	config.Domain = "bücher.example"
	lb := newLoopback(t, testServerConfig(), config)
	lb.pump()

	lb.result(lb.client.Ehlo())
	if got := lb.server.ClientHelo(); got != "xn--bcher-kva.example" {
		t.Fatalf("server saw helo %q, want IDNA form", got)
	}
}

func TestClientRset(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	lb.pump()
	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{Mailbox: "a@b.example"}))
	resp := lb.result(lb.client.Rset())
	if resp.Code != 250 {
		t.Fatalf("RSET resp = %+v", resp)
	}
	if lb.client.State() != StateReady {
		t.Fatalf("state = %v, want READY", lb.client.State())
	}
	// A new transaction can start.
	lb.result(lb.client.MailFrom(Path{Mailbox: "c@d.example"}))
	if lb.client.State() != StateMail {
		t.Fatalf("state = %v, want MAIL", lb.client.State())
	}
}

func TestClientPostmasterRecipient(t *testing.T) {
	var seen Path
	serverConfig := testServerConfig()
	serverConfig.Callbacks = &Callbacks{
		OnRcptTo: func(s *ServerEngine, p Path) error {
			seen = p
			return nil
		},
	}
	lb := newLoopback(t, serverConfig, testClientConfig())
	lb.pump()
	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{}))
	resp := lb.result(lb.client.RcptTo(Path{Mailbox: "postmaster"}))
	if resp.Code != 250 {
		t.Fatalf("RCPT resp = %+v", resp)
	}
	if !seen.IsPostmaster() {
		t.Fatalf("server saw %v", seen)
	}
}

func TestClientGreetingObserver(t *testing.T) {
	lb := newLoopback(t, testServerConfig(), testClientConfig())
	req := lb.client.GreetingRequest()
	if req == nil {
		t.Fatal("no greeting sentinel")
	}
	lb.pump()
	if !req.Resolved() {
		t.Fatal("greeting sentinel unresolved")
	}
	resp, err := req.Result()
	if err != nil || resp.Code != 220 {
		t.Fatalf("greeting = (%v, %v)", resp, err)
	}
	if req.Command() != nil {
		t.Fatal("sentinel carries a command")
	}
	if !strings.Contains(resp.Text(), "example.com") {
		t.Fatalf("greeting text = %q", resp.Text())
	}
}
