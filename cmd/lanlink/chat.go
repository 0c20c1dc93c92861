package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"lanlink/pkg/core/link"
	"lanlink/pkg/notify"
	"lanlink/pkg/remote"
)

// printer serializes writes from the chat goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// chat prints inbound messages and the state changes on sub, and sends each
// input line. "/disconnect" drops the connection and "/quit" (or EOF) ends the
// session. sub must be taken before the session starts listening or
// connecting, since changes are not replayed.
func chat(ctx context.Context, sess *remote.Session, sub *notify.Subscription[link.Change], in io.Reader, out io.Writer) error {
	p := &printer{out: out}
	g, ctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for m := range sess.Messages() {
			p.printf("[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.From, m.Text)
		}
		return nil
	})
	g.Go(func() error {
		var last link.ConnState = -1
		for c := range sub.Out() {
			if c.Scope == link.ScopeListener {
				p.printf("* listener %s\n", c.Status.Listener)
				continue
			}
			if c.Status.State == last {
				continue
			}
			last = c.Status.State
			switch c.Status.State {
			case link.Ready:
				p.printf("* connected to %s\n", c.Status.Endpoint)
			case link.Failed:
				p.printf("* connection failed: %v\n", c.Status.Failure)
			default:
				p.printf("* %s\n", c.Status.State)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer func() { _ = sess.Close() }()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch strings.TrimSpace(line) {
				case "":
				case "/quit":
					return nil
				case "/disconnect":
					sess.Disconnect()
				default:
					if err := sess.Say(line); errors.Is(err, remote.ErrNotConnected) {
						p.printf("* not connected\n")
					} else if err != nil {
						p.printf("* send failed: %v\n", err)
					}
				}
			}
		}
	})
	return g.Wait()
}
