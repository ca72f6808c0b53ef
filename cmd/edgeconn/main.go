package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/getsentry/raven-go"

	"edgeconn/internal/log"
	"edgeconn/internal/meta"
	"edgeconn/internal/metrics"
	"edgeconn/internal/network"
	"edgeconn/internal/protocol"
	"edgeconn/internal/trust"
)

func main() {
	configPath := flag.String(
		"config",
		os.Getenv("EDGECONN_CONFIG"),
		"path to the configuration file on disk",
	)
	version := flag.Bool(
		"version",
		false,
		"print the compiled edgeconn version SHA",
	)
	verbosity := flag.String(
		"verbosity",
		"",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	probe := flag.Bool(
		"probe",
		false,
		"connect to the upstream once, print the negotiated TLS parameters, and exit",
	)
	flag.Parse()

	// Report the compiled version and exit
	if *version {
		fmt.Printf("edgeconn/%s\n", meta.VersionSHA)
		return
	}

	// Parse application configuration
	config, err := meta.ParseConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Logging configuration; the flag overrides the config file, which overrides log.Error
	level := log.Error
	if config.Application != nil && config.Application.Verbosity != nil {
		level = *config.Application.Verbosity
	}
	if *verbosity != "" {
		level, _ = log.ParseLevel(*verbosity)
	}
	logger := log.NewConsoleLogger(level)
	logger.Debug("main: initialized logger: level=%v config=%s", level, *configPath)

	// Configure error reporting
	if config.Application != nil && config.Application.SentryDSN != "" {
		raven.SetDSN(config.Application.SentryDSN)
		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics reporting
	clientCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	upstreamCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	trustHook := metrics.NewNoopTrustHook()
	relayHook := metrics.NewNoopRelayHook()

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		if clientCxLifecycleHook, err = metrics.NewAsyncStatsdConnectionLifecycleHook(
			"client",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if upstreamCxLifecycleHook, err = metrics.NewAsyncStatsdConnectionLifecycleHook(
			"upstream",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if trustHook, err = metrics.NewAsyncStatsdTrustHook(
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}

		if relayHook, err = metrics.NewAsyncStatsdRelayHook(
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
			meta.VersionSHA,
		); err != nil {
			panic(err)
		}
	} else {
		logger.Debug("main: no metrics output engine specified; disabling metrics")
	}

	// Configure the upstream connector and its trust policy
	upstream := config.Upstream
	opts := network.ConnectorOpts{
		ConnectTimeout:   upstream.ConnectTimeout,
		HandshakeTimeout: upstream.HandshakeTimeout,
	}

	if upstream.Trust.CAFile != "" {
		if opts.ExtraRoots, err = trust.LoadPEMFile(upstream.Trust.CAFile); err != nil {
			panic(err)
		}

		logger.Info(
			"main: loaded additional trust roots: path=%s count=%d",
			upstream.Trust.CAFile,
			len(opts.ExtraRoots),
		)
	}

	logger.Info(
		"main: configuring upstream connector: host=%s port=%d trust_policy=%s",
		upstream.Host,
		upstream.Port,
		upstream.Trust.Policy,
	)

	connector := network.NewConnectorFunc(
		trustPolicyCallback(upstream.Trust.Policy, trustHook, logger),
		upstreamCxLifecycleHook,
		opts,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *probe || config.Listener == nil {
		if err := probeUpstream(ctx, connector, upstream.Host, upstream.Port); err != nil {
			logger.Error("main: upstream probe failed: err=%v", err)
			os.Exit(1)
		}

		return
	}

	// Configure relay listeners
	h := &protocol.RelayHandler{
		Upstream:  connector,
		Host:      upstream.Host,
		Port:      upstream.Port,
		RelayHook: relayHook,
		Logger:    logger,
		Opts: protocol.RelayOpts{
			ReadTimeout:  config.Listener.ReadTimeout,
			WriteTimeout: config.Listener.WriteTimeout,
		},
	}

	listenerOpts := network.ListenerOpts{
		MaxConcurrentConnections: config.Listener.MaxConcurrentConnections,
		AcceptRate:               config.Listener.AcceptRate,
		AcceptBurst:              config.Listener.AcceptBurst,
	}

	var listeners []*network.Listener

	if config.Listener.TCP != nil {
		logger.Info(
			"main: configuring TCP relay listener: addr=%s max_concurrent_conns=%d",
			config.Listener.TCP.Address,
			listenerOpts.MaxConcurrentConnections,
		)

		ln, err := network.Listen("tcp", config.Listener.TCP.Address, listenerOpts)
		if err != nil {
			panic(err)
		}

		listeners = append(listeners, ln)
	}

	if config.Listener.Unix != nil {
		logger.Info(
			"main: configuring Unix relay listener: path=%s max_concurrent_conns=%d",
			config.Listener.Unix.Path,
			listenerOpts.MaxConcurrentConnections,
		)

		ln, err := network.Listen("unix", config.Listener.Unix.Path, listenerOpts)
		if err != nil {
			panic(err)
		}

		listeners = append(listeners, ln)
	}

	// Serve until interrupted
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)

		go func(ln *network.Listener) {
			defer wg.Done()

			server := network.NewServer(ln, clientCxLifecycleHook)
			if err := server.Serve(ctx, h); err != nil && ctx.Err() == nil {
				logger.Error("main: listener stopped: addr=%s err=%v", ln.Addr(), err)
				cancel()
			}
		}(ln)
	}

	logger.Info("main: serving until interrupted")
	wg.Wait()
}

// trustPolicyCallback builds the per-connection certificate callback factory for a trust policy.
// Decisions are reported to the trust hook and logged.
func trustPolicyCallback(policy meta.TrustPolicy, hook metrics.TrustHook, logger log.Logger) func() trust.CertificateCallback {
	var newCallback func() trust.CertificateCallback

	switch policy {
	case meta.TrustFirstUse:
		newCallback = trust.NewPin().Callback
	case meta.TrustPrompt:
		newCallback = trust.NewPrompter(os.Stdin, os.Stderr).Callback
	default:
		return func() trust.CertificateCallback { return nil }
	}

	return func() trust.CertificateCallback {
		callback := newCallback()

		return func(presented []*x509.Certificate, roots *x509.CertPool) bool {
			accepted := callback(presented, roots)
			hook.EmitTrustDecision(accepted)

			if accepted && len(presented) > 0 {
				logger.Warn(
					"main: trusting certificate outside trust roots: subject=%s sha256=%s",
					presented[0].Subject,
					trust.Fingerprint(presented[0]),
				)
			}

			return accepted
		}
	}
}

// probeUpstream connects to the upstream once and prints the negotiated connection parameters.
func probeUpstream(ctx context.Context, connector *network.Connector, host string, port uint16) error {
	stream, err := connector.ConnectStream(ctx, host, port)
	if err != nil {
		return err
	}
	defer stream.Close()

	state, _ := stream.ConnectionState()

	fmt.Printf("peer:    %s\n", stream.PeerAddr())
	fmt.Printf("version: %s\n", tls.VersionName(state.Version))
	fmt.Printf("cipher:  %s\n", tls.CipherSuiteName(state.CipherSuite))

	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		fmt.Printf("subject: %s\n", leaf.Subject)
		fmt.Printf("sha256:  %s\n", trust.Fingerprint(leaf))
	}

	return nil
}
