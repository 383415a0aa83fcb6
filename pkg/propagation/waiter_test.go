package propagation

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/miekg/dns"
)

func TestExactMatchOnly(t *testing.T) {
	w := withFakeLookup(func(_ string, _ string) []string {
		return []string{"abc123-but-longer", "xabc123"}
	})

	assert.Assert(t, !w.WaitFor(context.Background(), "_acme-challenge.foo.example.com", "abc123", 30*time.Millisecond))
}

func TestMatches(t *testing.T) {
	w := withFakeLookup(func(_ string, _ string) []string {
		return []string{"unrelated", "abc123"}
	})

	assert.Assert(t, w.WaitFor(context.Background(), "_acme-challenge.foo.example.com", "abc123", time.Second))
}

func TestWaitsUntilAllResolversAgree(t *testing.T) {
	mu := sync.Mutex{}
	polls := 0

	w := withFakeLookup(func(resolver string, _ string) []string {
		mu.Lock()
		defer mu.Unlock()

		if resolver == "8.8.8.8:53" {
			polls++
		}

		// second resolver lags behind
		if resolver == "1.1.1.1:53" && polls < 3 {
			return nil
		}

		return []string{"abc123"}
	})

	assert.Assert(t, w.WaitFor(context.Background(), "_acme-challenge.foo.example.com", "abc123", 5*time.Second))
	assert.Assert(t, polls == 3)
}

func TestCancelledContext(t *testing.T) {
	w := withFakeLookup(func(_ string, _ string) []string { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Assert(t, !w.WaitFor(ctx, "_acme-challenge.foo.example.com", "abc123", time.Minute))
}

// end-to-end through miekg/dns against a local DNS server
func TestAgainstDnsServer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	assert.Ok(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        conn,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			res := &dns.Msg{}
			res.SetReply(req)

			if req.Question[0].Name == "_acme-challenge.foo.example.com." {
				res.Answer = append(res.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: []string{"abc", "123"},
				})
			} else {
				res.Rcode = dns.RcodeNameError
			}

			_ = w.WriteMsg(res)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	defer func() { _ = server.Shutdown() }()
	<-started

	w := New([]string{conn.LocalAddr().String()}, 10*time.Millisecond, nil)

	assert.Assert(t, w.WaitFor(context.Background(), "_acme-challenge.foo.example.com", "abc123", time.Second))
	assert.Assert(t, !w.WaitFor(context.Background(), "_acme-challenge.foo.example.com", "abc", 50*time.Millisecond))
	assert.Assert(t, !w.WaitFor(context.Background(), "_acme-challenge.bar.example.com", "abc123", 50*time.Millisecond))
}

func withFakeLookup(answers func(resolver string, name string) []string) *Waiter {
	w := New(nil, 5*time.Millisecond, nil)
	w.lookup = func(_ context.Context, resolver string, name string) ([]string, error) {
		return answers(resolver, name), nil
	}
	return w
}
