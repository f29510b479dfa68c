// Command fairing is the static-hosting platform's server and
// operator CLI: stdlib flag parsing, a plain net.Listen, and an
// OpenTelemetry OTLP exporter wired through configureOtel.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	consul "github.com/hashicorp/consul/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"forge.static-hosting.dev/platform/internal/acmeclient"
	"forge.static-hosting.dev/platform/internal/blobstore"
	"forge.static-hosting.dev/platform/internal/buildworker"
	"forge.static-hosting.dev/platform/internal/config"
	"forge.static-hosting.dev/platform/internal/dnsresponder"
	"forge.static-hosting.dev/platform/internal/domainsvc"
	"forge.static-hosting.dev/platform/internal/httpserve"
	"forge.static-hosting.dev/platform/internal/metadata"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "acme":
		runAcme(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fairing server --scylla-known-nodes ... --scylla-keyspace ...")
	fmt.Fprintln(os.Stderr, "       fairing acme create --mail-contact ... [--accept-terms-of-service]")
}

func runServer(args []string) {
	// shutdownOtel := configureOtel()
	// defer shutdownOtel()

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the TOML configuration file")
	knownNodes := fs.String("scylla-known-nodes", "", "not implemented: ScyllaDB is out of scope of this core; present for CLI-surface compatibility only")
	keyspace := fs.String("scylla-keyspace", "", "not implemented: see --scylla-known-nodes")
	buildDir := fs.String("build-dir", "./.build", "working directory for the build worker")
	blobDir := fs.String("blob-dir", "./.data/blobs", "blob store backing directory")
	fs.Parse(args)
	_ = knownNodes
	_ = keyspace

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fairing: %v", err)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("fairing: %v", err)
	}
	chunks := blobstore.NewChunkStore(blobstore.NewFsStorage(*blobDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker, err := buildworker.New(repo, chunks, *buildDir)
	if err != nil {
		log.Fatalf("fairing: start build worker: %v", err)
	}
	go worker.Run(ctx, 5*time.Second)

	renewal := &domainsvc.Service{Repo: repo, DirectoryURL: cfg.Acme.Server, Contacts: []string{cfg.Acme.Contact}}
	go renewal.Run(ctx, time.Minute)

	if cfg.Acme.DNSZone != "" {
		dnsSrv := &dnsresponder.Server{Repo: repo, Zone: cfg.Acme.DNSZone}
		for _, bind := range cfg.Acme.UDPBind {
			go func(addr string) {
				if err := dnsSrv.ListenAndServe(ctx, addr); err != nil {
					log.Printf("fairing: dns responder %s: %v", addr, err)
				}
			}(bind)
		}
	}

	httpSrv := &httpserve.Server{Repo: repo, Chunks: chunks}
	for _, bind := range cfg.HTTPBind {
		go func(addr string) {
			srv := &http.Server{Addr: addr, Handler: httpSrv.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fairing: http %s: %v", addr, err)
			}
		}(bind)
	}
	for _, bind := range cfg.HTTPSBind {
		go func(addr string) {
			if err := httpserve.ListenAndServeTLS(ctx, addr, &tls.Config{NextProtos: []string{"h2", "http/1.1"}}, httpSrv.Handler()); err != nil {
				log.Printf("fairing: https %s: %v", addr, err)
			}
		}(bind)
	}

	select {}
}

func openRepository(cfg *config.Config) (metadata.Repository, error) {
	switch cfg.Database.Type {
	case "", "memory":
		return metadata.NewMemory(), nil
	case "consul":
		client, err := consul.NewClient(&consul.Config{Address: cfg.Consul.Address})
		if err != nil {
			return nil, fmt.Errorf("connect consul: %w", err)
		}
		return metadata.NewConsul(client, cfg.Consul.KVPath), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q (ScyllaDB is out of scope of this core)", cfg.Database.Type)
	}
}

func runAcme(args []string) {
	if len(args) == 0 || args[0] != "create" {
		usage()
		os.Exit(1)
	}
	fs := flag.NewFlagSet("acme create", flag.ExitOnError)
	directoryURL := fs.String("directory-url", "", "ACME directory URL")
	mailContact := fs.String("mail-contact", "", "contact email for the ACME account")
	acceptTerms := fs.Bool("accept-terms-of-service", false, "accept the CA's terms of service")
	fs.Parse(args[1:])

	if *mailContact == "" || !*acceptTerms {
		fmt.Fprintln(os.Stderr, "Error: -mail-contact and -accept-terms-of-service are required")
		os.Exit(1)
	}

	ctx := context.Background()
	key, err := acmeclient.NewAccountKey()
	if err != nil {
		log.Fatalf("fairing: generate account key: %v", err)
	}
	client, err := acmeclient.NewClient(ctx, nil, *directoryURL, key)
	if err != nil {
		log.Fatalf("fairing: connect to directory: %v", err)
	}
	if err := client.Register(ctx, []string{"mailto:" + *mailContact}); err != nil {
		log.Fatalf("fairing: register account: %v", err)
	}

	der, err := key.DER()
	if err != nil {
		log.Fatalf("fairing: marshal account key: %v", err)
	}

	fmt.Printf("server: %s\n", *directoryURL)
	fmt.Printf("account url: %s\n", client.AccountURL)
	fmt.Printf("private key (DER, hex): %x\n", der)
}

func configureOtel() func() {
	ctx := context.Background()

	otlpClient := otlptracegrpc.NewClient()
	exp, err := otlptrace.New(ctx, otlpClient)
	if err != nil {
		log.Fatalf("failed to initialize exporter: %v", err)
	}

	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		_ = exp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
	}
}
