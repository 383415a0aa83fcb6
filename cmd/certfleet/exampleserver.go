package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"

	"github.com/function61/certfleet/pkg/certserve"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/function61/gokit/taskrunner"
	"github.com/spf13/cobra"
)

func exampleServerEntry(configPath *string) *cobra.Command {
	addr := ":443"

	cmd := &cobra.Command{
		Use:   "example-server",
		Short: "Start demo HTTPS server that serves the listed domains' certificates",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf, err := readConfig(*configPath)
			exitIfError(err)

			exitIfError(exampleServer(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger), conf, addr, rootLogger))
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "", addr, "Listen address")

	return cmd
}

func exampleServer(ctx context.Context, conf *config, addr string, logger *log.Logger) error {
	store, _, err := makeStore(conf, logger)
	if err != nil {
		return err
	}

	domains, err := loadDomains(conf, "")
	if err != nil {
		return err
	}

	fqdns := []string{}
	for _, domain := range domains {
		fqdns = append(fqdns, domain.FQDN)
	}

	certs, err := certserve.New(ctx, store, fqdns, logex.Prefix("certserve", logger))
	if err != nil {
		return err
	}

	routes := http.NewServeMux()
	routes.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "greetings from %s%s\n", req.Host, req.URL.Path)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: routes,
		TLSConfig: &tls.Config{
			// certificates are looked up per handshake, so renewals apply without restart
			GetCertificate: certs.GetCertificateAdapter(),
		},
	}

	tasks := taskrunner.New(ctx, logger)

	tasks.Start("certserve sync", func(ctx context.Context, _ string) error {
		return certs.Synchronizer(ctx, certserve.DefaultSyncInterval)
	})

	tasks.Start("http server (https://localhost"+addr+")", func(_ context.Context, _ string) error {
		return removeGracefulServerClosedError(srv.ListenAndServeTLS("", ""))
	})

	// http.Server doesn't stop on ctx cancel, so map cancellation to Shutdown()
	tasks.Start("http server shutdowner", httpShutdownTask(srv))

	return tasks.Wait()
}

func httpShutdownTask(server *http.Server) func(context.Context, string) error {
	return func(ctx context.Context, _ string) error {
		<-ctx.Done()
		// can't use task ctx b/c it'd cancel the Shutdown() itself
		return server.Shutdown(context.Background())
	}
}

func removeGracefulServerClosedError(httpServerError error) error {
	if httpServerError == http.ErrServerClosed {
		return nil
	}

	return httpServerError
}
