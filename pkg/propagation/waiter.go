// Waits until a published TXT record is visible through public recursive resolvers
package propagation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/miekg/dns"
)

const (
	DefaultTimeout  = 120 * time.Second
	DefaultInterval = 5 * time.Second
)

// resolvers unrelated to any DNS provider, so we see what the ACME server will see
var DefaultResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// looks up TXT strings of name from one resolver
type lookupFn func(ctx context.Context, resolver string, name string) ([]string, error)

type Waiter struct {
	resolvers []string
	interval  time.Duration
	lookup    lookupFn
	logl      *logex.Leveled
}

func New(resolvers []string, interval time.Duration, logger *log.Logger) *Waiter {
	if len(resolvers) == 0 {
		resolvers = DefaultResolvers
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	client := &dns.Client{
		Net:     "udp",
		Timeout: 5 * time.Second,
	}

	return &Waiter{
		resolvers: resolvers,
		interval:  interval,
		lookup: func(ctx context.Context, resolver string, name string) ([]string, error) {
			return lookupTXT(ctx, client, resolver, name)
		},
		logl: logex.Levels(logger),
	}
}

// returns true once every resolver answers with a TXT record exactly equal to expectedValue.
// returns false on timeout (or ctx cancellation), never an error: the caller decides what
// not-propagated means.
func (w *Waiter) WaitFor(ctx context.Context, name string, expectedValue string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := time.NewTicker(w.interval)
	defer poll.Stop()

	for {
		if w.visibleEverywhere(ctx, name, expectedValue) {
			return true
		}

		select {
		case <-ctx.Done():
			w.logl.Error.Printf("%s not propagated within %s", name, timeout)
			return false
		case <-poll.C:
		}
	}
}

func (w *Waiter) visibleEverywhere(ctx context.Context, name string, expectedValue string) bool {
	for _, resolver := range w.resolvers {
		values, err := w.lookup(ctx, resolver, name)
		if err != nil {
			w.logl.Debug.Printf("%s @%s: %v", name, resolver, err)
			return false
		}

		if !containsExactly(values, expectedValue) {
			w.logl.Debug.Printf("%s @%s: not yet (%d values)", name, resolver, len(values))
			return false
		}
	}

	return true
}

// one of the values must be equal. "abc123-and-more" does not count as "abc123"
func containsExactly(values []string, expected string) bool {
	for _, value := range values {
		if value == expected {
			return true
		}
	}

	return false
}

func lookupTXT(ctx context.Context, client *dns.Client, resolver string, name string) ([]string, error) {
	query := &dns.Msg{}
	query.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	query.RecursionDesired = true

	res, _, err := client.ExchangeContext(ctx, query, resolver)
	if err != nil {
		return nil, err
	}

	switch res.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError: // NXDOMAIN is the normal state before propagation
		return nil, nil
	default:
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[res.Rcode])
	}

	values := []string{}
	for _, answer := range res.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			// long values are split in 255-byte character-strings
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}

	return values, nil
}
