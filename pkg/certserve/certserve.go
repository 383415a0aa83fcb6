// Alongside-loadbalancer library: serves the repository's certificates to a TLS server
package certserve

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/gokit/logex"
)

const DefaultSyncInterval = 5 * time.Minute

type App struct {
	store   certificatestore.Store
	domains []string
	certs   map[string]*tls.Certificate
	certsMu sync.RWMutex
	logl    *logex.Leveled
}

// returns certserve App (meant to be used alongside HTTP server). domains without a certificate
// yet are skipped, not an error.
func New(
	ctx context.Context,
	store certificatestore.Store,
	domains []string,
	logger *log.Logger,
) (*App, error) {
	app := &App{
		store:   store,
		domains: domains,
		certs:   map[string]*tls.Certificate{},
		logl:    logex.Levels(logger),
	}

	return app, app.Reload(ctx)
}

// re-reads every domain's key and fullchain. on error the previously loaded set stays in use.
func (a *App) Reload(ctx context.Context) error {
	certs := map[string]*tls.Certificate{}

	for _, domain := range a.domains {
		cert, err := load(ctx, a.store, domain)
		if err != nil {
			return fmt.Errorf("%s: %w", domain, err)
		}

		if cert == nil {
			a.logl.Debug.Printf("no certificate yet for %s", domain)
			continue
		}

		certs[domain] = cert
	}

	a.certsMu.Lock()
	defer a.certsMu.Unlock()

	a.certs = certs

	return nil
}

func (a *App) ByHostname(hostname string) (*tls.Certificate, error) {
	a.certsMu.RLock()
	defer a.certsMu.RUnlock()

	if cert, found := a.certs[hostname]; found {
		return cert, nil
	}

	// "foo.example.com" => "*.example.com"
	if dot := strings.IndexByte(hostname, '.'); dot != -1 {
		if cert, found := a.certs["*"+hostname[dot:]]; found {
			return cert, nil
		}
	}

	return nil, fmt.Errorf("no certificate for %q", hostname)
}

func (a *App) GetCertificateAdapter() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		return a.ByHostname(hello.ServerName)
	}
}

// picks up renewals written by other processes (e.g. a scheduled run into the same repository)
func (a *App) Synchronizer(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	pollInterval := time.NewTicker(interval)
	defer pollInterval.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollInterval.C:
			if err := a.Reload(ctx); err != nil {
				a.logl.Error.Printf("Reload: %v", err)
			}
		}
	}
}

func load(ctx context.Context, store certificatestore.Store, domain string) (*tls.Certificate, error) {
	keyPem, err := store.ReadExisting(ctx, domain, certificatestore.KindKey)
	if err != nil {
		return nil, err
	}

	fullchainPem, err := store.ReadExisting(ctx, domain, certificatestore.KindFullchain)
	if err != nil {
		return nil, err
	}

	if keyPem == nil || fullchainPem == nil {
		return nil, nil
	}

	cert, err := tls.X509KeyPair(fullchainPem, keyPem)
	if err != nil {
		return nil, err
	}

	return &cert, nil
}
