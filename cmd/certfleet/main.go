package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/ossignal"
	"github.com/spf13/cobra"
)

func main() {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(lambdaHandler)
		return
	}

	configPath := defaultConfigPath

	app := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Certificate Fleet keeps your DNS-validated TLS certificates fresh",
		Version: dynversion.Version,
	}

	app.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Config file (*"+sealedConfigSuffix+" = sealed)")

	app.AddCommand(runEntry(&configPath))
	app.AddCommand(domainAddEntry(&configPath))
	app.AddCommand(domainListEntry(&configPath))
	app.AddCommand(renewableEntry(&configPath))
	app.AddCommand(inspectEntry(&configPath))
	app.AddCommand(applianceImportEntry(&configPath))
	app.AddCommand(configSealEntry())
	app.AddCommand(configDisplayEntry(&configPath))
	app.AddCommand(exampleServerEntry(&configPath))

	if err := app.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEntry(configPath *string) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Issue/renew certificates of all listed domains that are due",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf, err := readConfig(*configPath)
			exitIfError(err)

			report, err := run(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger), conf, opts, rootLogger)
			exitIfError(err)

			printReport(report, logex.Levels(rootLogger))

			if !report.Ok() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.only, "domain", "d", opts.only, "Only this domain (need not be listed)")
	cmd.Flags().BoolVarP(&opts.trace, "trace", "", opts.trace, "Print trace spans to stdout")

	return cmd
}

func domainAddEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "domain-add [domain]",
		Short: "Add domain to the list",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := readConfig(*configPath)
			exitIfError(err)

			exitIfError(domainAdd(conf, args[0], os.Stdout))
		},
	}
}

func domainListEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "domain-list",
		Short: "List domains (with their DNS zone)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := readConfig(*configPath)
			exitIfError(err)

			exitIfError(domainList(conf, os.Stdout))
		},
	}
}

func renewableEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cert-renewable [date]",
		Short: "List domains due for renewal (at date, default now)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			at := time.Now()
			if len(args) >= 1 {
				var err error
				at, err = time.Parse("2006-01-02", args[0])
				exitIfError(err)
			}

			conf, err := readConfig(*configPath)
			exitIfError(err)

			exitIfError(listRenewable(ossignal.InterruptOrTerminateBackgroundCtx(nil), conf, at, os.Stdout))
		},
	}
}

func inspectEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cert-inspect [domain]",
		Short: "Inspect a domain's certificate",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := readConfig(*configPath)
			exitIfError(err)

			exitIfError(inspect(ossignal.InterruptOrTerminateBackgroundCtx(nil), conf, args[0], os.Stdout))
		},
	}
}

func applianceImportEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "appliance-import",
		Short: "Import the configured domain's certificate into the appliance and take it into use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf, err := readConfig(*configPath)
			exitIfError(err)

			if !conf.Appliance.enabled() {
				exitIfError(fmt.Errorf("appliance not configured in %s", *configPath))
			}

			store, _, err := makeStore(conf, rootLogger)
			exitIfError(err)

			exitIfError(importToAppliance(ossignal.InterruptOrTerminateBackgroundCtx(rootLogger), conf, store, rootLogger))
		},
	}
}

func configSealEntry() *cobra.Command {
	out := "certfleet" + sealedConfigSuffix

	cmd := &cobra.Command{
		Use:   "conf-seal",
		Short: "Validate config from stdin and write it sealed with the manager key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitIfError(sealConfig(os.Stdin, out))
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", out, "Sealed config to write")

	return cmd
}

func configDisplayEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "conf-display",
		Short: "Display configuration (opening it if sealed)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitIfError(displayConfig(*configPath, os.Stdout))
		},
	}
}

func exitIfError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
