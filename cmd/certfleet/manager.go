package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/function61/certfleet/pkg/certificatestore"
	"github.com/function61/certfleet/pkg/domainregistry"
	"github.com/function61/gokit/jsonfile"
	"github.com/scylladb/termtables"
)

// stores that can tell where a domain's artifacts live
type entryLocator interface {
	Entry(domain string) certificatestore.Entry
}

func domainAdd(conf *config, fqdn string, out io.Writer) error {
	registry := domainregistry.New(conf.domainListPath(), conf.ZoneOverrides)

	added, err := registry.Add(fqdn)
	if err != nil {
		return err
	}

	if added {
		fmt.Fprintf(out, "added %s to %s\n", fqdn, registry.Path())
	} else {
		fmt.Fprintf(out, "%s already in %s\n", fqdn, registry.Path())
	}

	return nil
}

func domainList(conf *config, out io.Writer) error {
	domains, err := domainregistry.New(conf.domainListPath(), conf.ZoneOverrides).Load()
	if err != nil {
		return err
	}

	table := termtables.CreateTable()
	table.AddHeaders("Domain", "Zone", "Subdomain")

	for _, domain := range domains {
		table.AddRow(domain.FQDN, domain.Zone, strings.Join(domain.Subdomain, "."))
	}

	_, err = fmt.Fprint(out, table.Render())
	return err
}

func listRenewable(ctx context.Context, conf *config, at time.Time, out io.Writer) error {
	store, _, err := makeStore(conf, nil)
	if err != nil {
		return err
	}

	domains, err := domainregistry.New(conf.domainListPath(), conf.ZoneOverrides).Load()
	if err != nil {
		return err
	}

	fqdns := []string{}
	for _, domain := range domains {
		fqdns = append(fqdns, domain.FQDN)
	}

	threshold := orchestratorConfig(conf).RenewalThresholdDays

	due, err := certificatestore.DueForRenewal(ctx, store, fqdns, at, threshold)
	if err != nil {
		return err
	}

	table := termtables.CreateTable()
	table.AddHeaders("Domain", "Renew at", "Days left")

	for _, domain := range due {
		cert, err := certificatestore.Inspect(ctx, store, domain, at, threshold)
		if err != nil {
			return err
		}

		if cert == nil {
			table.AddRow(domain, "now (no certificate)", "-")
			continue
		}

		table.AddRow(domain, cert.RenewAt.Format(time.RFC3339), fmt.Sprintf("%d", cert.RemainingDays))
	}

	_, err = fmt.Fprint(out, table.Render())
	return err
}

func inspect(ctx context.Context, conf *config, fqdn string, out io.Writer) error {
	store, _, err := makeStore(conf, nil)
	if err != nil {
		return err
	}

	cert, err := certificatestore.Inspect(ctx, store, fqdn, time.Now(), orchestratorConfig(conf).RenewalThresholdDays)
	if err != nil {
		return err
	}

	if cert == nil {
		return fmt.Errorf("no certificate for %s", fqdn)
	}

	if locator, ok := store.(entryLocator); ok {
		cert.Entry = locator.Entry(fqdn)
	}

	return jsonfile.Marshal(out, cert)
}
