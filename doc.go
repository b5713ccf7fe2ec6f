// Package smtpkit is a transport-agnostic SMTP toolkit providing both
// the client and server halves of an RFC 5321 session.
//
// The protocol engines perform no I/O of their own: each side operates
// over a pair of byte buffers bound to a source and sink by a Transport.
// The same engine therefore runs over blocking connections, non-blocking
// handles, event-loop sockets, in-memory pipes, or TLS connections —
// anything that reads and writes bytes.
//
// # Server
//
// Drive a server engine directly over any transport:
//
//	transport := smtpkit.NewTransport(conn, conn)
//	engine := smtpkit.NewServerEngine(transport, smtpkit.ServerConfig{
//	    Domain: "mail.example.com",
//	    Callbacks: &smtpkit.Callbacks{
//	        OnTransaction: func(s *smtpkit.ServerEngine, txn *smtpkit.Transaction) error {
//	            log.Printf("message %s from %s", txn.ID, txn.ReversePath)
//	            return nil
//	        },
//	    },
//	})
//	for !engine.State().IsTerminal() {
//	    engine.HandleIO()
//	}
//
// Or use the synchronous accept loop:
//
//	server := smtpkit.NewServer(":25", config)
//	if err := server.ListenAndServe(); err != smtpkit.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// # Client
//
// The client engine queues commands and correlates responses to them in
// FIFO order. Each command method checks the state reached by the
// responses received so far, so a command that depends on an earlier
// reply (MAIL after EHLO, for instance) is issued once that reply has
// arrived; commands legal in the same state, such as NOOP, can be
// pipelined:
//
//	engine := smtpkit.NewClientEngine(transport, smtpkit.ClientConfig{
//	    Domain: "client.example.com",
//	})
//	wait := func(req *smtpkit.PendingRequest, err error) *smtpkit.PendingRequest {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    for !req.Resolved() {
//	        engine.HandleIO()
//	    }
//	    return req
//	}
//	wait(engine.GreetingRequest(), nil)
//	wait(engine.Ehlo())
//	wait(engine.MailFrom(smtpkit.Path{}))
//	wait(engine.RcptTo(smtpkit.Path{Mailbox: "user@example.com"}))
//	data := wait(engine.DataWith([]byte("Subject: hi\r\n\r\nhello\r\n")))
//
// For blocking connections the Dialer wraps the pump loop:
//
//	sess, err := smtpkit.NewDialer(config).Dial(ctx, "mail.example.com:25")
//	sess.Hello()
//	sess.SendMessage(from, to, body)
//	sess.Quit()
//
// # Framing
//
// Parsers never consume bytes that do not form a complete command or
// response; an incomplete message simply leaves the buffer untouched
// until more bytes arrive. The DATA phase is handled by a dot-stuffing
// codec whose encoder accepts arbitrarily fragmented chunks and whose
// decoder detects the <CRLF>.<CRLF> terminator line by line.
//
// # Scheduling
//
// Engines are single-threaded and cooperative: every point at which a
// parse would need more bytes, HandleIO returns. The caller resumes it
// when new bytes arrive — from an event loop, a manual poll, or the
// synchronous helpers. Cancellation and timeouts belong to the driver:
// closing the transport surfaces EOF and moves the engine to its abort
// state.
package smtpkit
