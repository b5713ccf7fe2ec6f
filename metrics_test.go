package smtpkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.addSession("server")
	m.addCommand(VerbNOOP)
	m.addResponse(250)
	m.addTransaction("accepted")
	m.addBytesIn(1)
	m.addBytesOut(1)
}

func TestMetricsInstrumentSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	serverConfig := testServerConfig()
	serverConfig.Metrics = m
	serverConfig.Callbacks = &Callbacks{
		OnTransaction: func(s *ServerEngine, txn *Transaction) error { return nil },
	}
	clientConfig := testClientConfig()
	clientConfig.Metrics = m

	lb := newLoopback(t, serverConfig, clientConfig)
	lb.pump()
	lb.result(lb.client.Ehlo())
	lb.result(lb.client.MailFrom(Path{}))
	lb.result(lb.client.RcptTo(Path{Mailbox: "x@example.com"}))
	lb.result(lb.client.DataWith([]byte("hi\r\n")))
	lb.result(lb.client.Quit())

	if got := testutil.ToFloat64(m.sessions.WithLabelValues("server")); got != 1 {
		t.Errorf("server sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("client")); got != 1 {
		t.Errorf("client sessions = %v, want 1", got)
	}
	// Both engines share the metric set, so each verb counts twice: once
	// sent, once dispatched.
	if got := testutil.ToFloat64(m.commands.WithLabelValues("EHLO")); got != 2 {
		t.Errorf("EHLO commands = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("accepted")); got != 1 {
		t.Errorf("accepted transactions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesIn); got == 0 {
		t.Error("no bytes fetched recorded")
	}
	if got := testutil.ToFloat64(m.bytesOut); got == 0 {
		t.Error("no bytes flushed recorded")
	}
}
