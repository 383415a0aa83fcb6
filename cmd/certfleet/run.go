package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/function61/certfleet/pkg/acmeclient"
	"github.com/function61/certfleet/pkg/appliance"
	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/csrgen"
	"github.com/function61/certfleet/pkg/dnsprovider"
	"github.com/function61/certfleet/pkg/domainregistry"
	"github.com/function61/certfleet/pkg/fleetmetrics"
	"github.com/function61/certfleet/pkg/orchestrator"
	"github.com/function61/certfleet/pkg/propagation"
	"github.com/function61/certfleet/pkg/runlock"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const metricsJob = "certfleet"

type runOptions struct {
	only  string // single-domain mode
	trace bool   // spans to stdout
}

// returns error only for run-level failures. check report.Ok() for per-domain outcome.
func run(ctx context.Context, conf *config, opts runOptions, logger *log.Logger) (*orchestrator.Report, error) {
	logl := logex.Levels(logger)

	store, committer, err := makeStore(conf, logger)
	if err != nil {
		return nil, err
	}

	domains, err := loadDomains(conf, opts.only)
	if err != nil {
		return nil, err
	}

	if conf.RedisURL != "" {
		release, err := acquireRunLock(ctx, conf)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logl.Error.Println(err)
			}
		}()
	}

	dns, err := makeDnsAdapter(conf)
	if err != nil {
		return nil, err
	}

	tracer, shutdownTracing, err := makeTracer(opts.trace)
	if err != nil {
		return nil, err
	}
	defer shutdownTracing()

	metrics := fleetmetrics.New()

	orch := orchestrator.New(orchestrator.Collaborators{
		Store:     store,
		Committer: committer,
		Csrs:      csrgen.New(store, certcrypto.KeyType(conf.Issuance.KeyType), logex.Prefix("csrgen", logger)),
		Dns:       dns,
		Waiter:    propagation.New(conf.Dns.Resolvers, 0, logex.Prefix("propagation", logger)),
		Account:   accountProvisioner(conf, logger),
		Metrics:   metrics,
		Tracer:    tracer,
	}, orchestratorConfig(conf), logex.Prefix("orchestrator", logger))

	report, err := orch.Run(ctx, domains)
	if err != nil {
		return nil, err
	}

	if conf.PushgatewayURL != "" {
		if err := metrics.Push(ctx, conf.PushgatewayURL, metricsJob); err != nil {
			logl.Error.Printf("metrics push: %v", err)
		}
	}

	if conf.Appliance.enabled() && conf.Appliance.ImportAfterRun {
		if res := report.Result(conf.Appliance.Domain); res != nil && res.State == orchestrator.CleanedUp && !res.Satisfied {
			if err := importToAppliance(ctx, conf, store, logger); err != nil {
				// certificate itself is fine. a rerun of appliance-import fixes this
				logl.Error.Printf("appliance import: %v", err)
				report.ApplianceErr = err
			}
		}
	}

	return report, nil
}

func orchestratorConfig(conf *config) orchestrator.Config {
	orchConf := orchestrator.DefaultConfig()

	if conf.Issuance.RenewalThresholdDays > 0 {
		orchConf.RenewalThresholdDays = conf.Issuance.RenewalThresholdDays
	}
	if conf.Issuance.PropagationTimeoutSeconds > 0 {
		orchConf.PropagationTimeout = conf.Issuance.propagationTimeout()
	}
	if conf.Issuance.RetryAttempts > 0 {
		orchConf.Retry.MaxAttempts = conf.Issuance.RetryAttempts
	}
	if conf.Issuance.RetryDelaySeconds > 0 {
		orchConf.Retry.Delay = time.Duration(conf.Issuance.RetryDelaySeconds) * time.Second
	}
	if conf.Issuance.Concurrency > 0 {
		orchConf.Concurrency = conf.Issuance.Concurrency
	}
	orchConf.KeepRecordOnPropagationTimeout = conf.Issuance.KeepRecordOnPropagationTimeout

	return orchConf
}

// account is ensured lazily: a run where nothing is due makes no ACME calls
func accountProvisioner(conf *config, logger *log.Logger) orchestrator.AccountProvisioner {
	return func(ctx context.Context) (orchestrator.Issuer, error) {
		account, err := acmeclient.NewAccountManager(
			conf.Acme.AcceptTerms,
			logex.Prefix("account", logger),
		).Ensure(
			ctx,
			conf.Acme.accountKeyPath(conf.storageDir()),
			conf.Acme.Contacts,
			conf.Acme.directory())
		if err != nil {
			return nil, err
		}

		return acmeclient.NewIssuer(account, logex.Prefix("acme", logger)), nil
	}
}

func makeStore(conf *config, logger *log.Logger) (certificatestore.Store, certificatestore.Committer, error) {
	if conf.Storage.S3Bucket != "" {
		store, err := certificatestore.NewS3Store(conf.Storage.S3Bucket, conf.Storage.S3Region, conf.Storage.S3Prefix)
		if err != nil {
			return nil, nil, err
		}

		return store, certificatestore.NopCommitter{}, nil
	}

	store := certificatestore.NewDirStore(conf.storageDir(), logex.Prefix("store", logger))

	if !conf.Storage.GitCommit {
		return store, certificatestore.NopCommitter{}, nil
	}

	return store, certificatestore.NewGitCommitter(
		conf.storageDir(),
		conf.Storage.GitPush,
		conf.Storage.GitRemote,
		logex.Prefix("git", logger)), nil
}

func loadDomains(conf *config, only string) ([]domainregistry.Domain, error) {
	registry := domainregistry.New(conf.domainListPath(), conf.ZoneOverrides)

	if only != "" {
		return registry.Single(only)
	}

	return registry.Load()
}

func makeDnsAdapter(conf *config) (dnsprovider.Adapter, error) {
	provider, err := func() (dnsprovider.Adapter, error) {
		switch conf.Dns.Provider {
		case "cloudflare":
			return dnsprovider.NewCloudflare(dnsprovider.CloudflareCredentials{
				ApiToken: conf.Dns.Cloudflare.ApiToken,
				Email:    conf.Dns.Cloudflare.Email,
				ApiKey:   conf.Dns.Cloudflare.ApiKey,
			})
		case "route53":
			r53, err := dnsprovider.NewRoute53(conf.Dns.Route53Region)
			if err != nil {
				return nil, err
			}

			for zone, hostedZoneId := range conf.Dns.Route53HostedZones {
				r53.SetHostedZoneId(zone, hostedZoneId)
			}

			return r53, nil
		case "memory":
			return dnsprovider.NewMemory(), nil
		default:
			return nil, fmt.Errorf("unsupported DNS provider: %s", conf.Dns.Provider)
		}
	}()
	if err != nil {
		return nil, err
	}

	if conf.Dns.MinIntervalMs == 0 {
		return provider, nil
	}

	return dnsprovider.NewRateLimited(provider, time.Duration(conf.Dns.MinIntervalMs)*time.Millisecond, 1), nil
}

// nil tracer = orchestrator uses the global (no-op unless configured) provider
func makeTracer(toStdout bool) (trace.Tracer, func(), error) {
	if !toStdout {
		return nil, func() {}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))

	return provider.Tracer("certfleet"), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = provider.Shutdown(ctx)
	}, nil
}

func acquireRunLock(ctx context.Context, conf *config) (func(context.Context) error, error) {
	client, err := runlock.Connect(conf.RedisURL)
	if err != nil {
		return nil, err
	}

	// one lock per repository
	scope := conf.storageDir()
	if conf.Storage.S3Bucket != "" {
		scope = "s3://" + conf.Storage.S3Bucket + "/" + conf.Storage.S3Prefix
	}

	release, err := runlock.New(client, "certfleet:run:"+scope, runlock.DefaultTTL).Acquire(ctx)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return func(ctx context.Context) error {
		defer client.Close()
		return release(ctx)
	}, nil
}

func importToAppliance(ctx context.Context, conf *config, store certificatestore.Store, logger *log.Logger) error {
	runner, err := appliance.NewSshRunner(appliance.SshConfig{
		Addr:                  conf.Appliance.Addr,
		Username:              conf.Appliance.Username,
		Password:              conf.Appliance.Password,
		HostKey:               conf.Appliance.HostKey,
		InsecureIgnoreHostKey: conf.Appliance.InsecureIgnoreHostKey,
	})
	if err != nil {
		return err
	}

	return appliance.NewImporter(store, runner, logex.Prefix("appliance", logger)).Import(ctx, appliance.Target{
		Domain:      conf.Appliance.Domain,
		TrustPoint:  conf.Appliance.TrustPoint,
		Interface:   conf.Appliance.Interface,
		Passphrase:  conf.Appliance.Passphrase,
		WriteMemory: conf.Appliance.WriteMemory,
	})
}

func printReport(report *orchestrator.Report, logl *logex.Leveled) {
	fmt.Print(report.Table())

	if issued := report.Issued(); len(issued) > 0 {
		logl.Info.Printf("issued: %s", strings.Join(issued, ", "))
	}

	if failed := report.Failed(); len(failed) > 0 {
		logl.Error.Printf("failed: %s", strings.Join(failed, ", "))
	}

	if report.CommitErr != nil {
		logl.Error.Printf("commit: %v", report.CommitErr)
	}
}
