package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamg/connscan/scan"
	"github.com/liamg/connscan/tunnel"
	"github.com/liamg/connscan/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalidSpec = 2
	exitUnresolved  = 3
	exitUnreachable = 4
	exitCancelled   = 130
)

var errCancelled = errors.New("scan cancelled")

type options struct {
	ports      string
	portsGiven bool
	timeoutMS  int
	workers    int
	rate       int
	verbose    bool
	reasons    bool
	debug      bool
	progress   bool
	hostInfo   bool

	gateway       string
	sshKey        string
	sshAgent      bool
	sshPassword   bool
	strictHostKey bool
	knownHosts    string

	versionRequested bool
}

func defaultOptions() options {
	return options{
		timeoutMS: int(scan.DefaultTimeout / time.Millisecond),
		workers:   scan.DefaultConcurrency,
	}
}

var opts = defaultOptions()

func registerFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.ports, "ports", "p", o.ports, fmt.Sprintf("Port or port range to scan, e.g. 22 or 100-900 (default %s)", scan.DefaultPortRange()))
	fs.IntVarP(&o.timeoutMS, "timeout-ms", "t", o.timeoutMS, "Timeout for each connect attempt in MS")
	fs.IntVarP(&o.workers, "workers", "w", o.workers, "Maximum concurrent connect attempts, 1 scans in port order")
	fs.IntVar(&o.rate, "rate", o.rate, "Maximum connect attempts per second, 0 for no limit")
	fs.BoolVarP(&o.verbose, "verbose", "v", o.verbose, "Also report closed/filtered ports")
	fs.BoolVar(&o.reasons, "reasons", o.reasons, "Show why a port is closed/filtered (refused, reset, timeout)")
	fs.BoolVar(&o.debug, "debug", o.debug, "Enable debug logging")
	fs.BoolVar(&o.progress, "progress", o.progress, "Show a progress bar on stderr")
	fs.BoolVar(&o.hostInfo, "host-info", o.hostInfo, "Look up MAC, manufacturer and reverse DNS name of the target")

	fs.StringVar(&o.gateway, "via", o.gateway, "Scan through an SSH gateway, [user@]host[:port]")
	fs.StringVar(&o.sshKey, "ssh-key", o.sshKey, "SSH private key for --via")
	fs.BoolVar(&o.sshAgent, "ssh-agent", o.sshAgent, "Authenticate to --via with ssh-agent")
	fs.BoolVar(&o.sshPassword, "ssh-password", o.sshPassword, "Prompt for the --via password")
	fs.BoolVar(&o.strictHostKey, "strict-hostkey", o.strictHostKey, "Verify the --via host key against known_hosts")
	fs.StringVar(&o.knownHosts, "known-hosts", o.knownHosts, "known_hosts file for --strict-hostkey")

	fs.BoolVar(&o.versionRequested, "version", o.versionRequested, "Output version information and exit")
}

func init() {
	registerFlags(rootCmd.Flags(), &opts)
}

var rootCmd = &cobra.Command{
	Use:           "connscan [flags] <target>",
	Short:         "connscan is a TCP connect port scanner",
	Long:          `A TCP connect scanner that reports which ports of a single host accept connections.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if err := applyEnv(cmd.Flags()); err != nil {
			return err
		}

		if opts.versionRequested {
			v := version.Version
			if v == "" {
				v = "development version"
			}
			fmt.Printf("connscan %s\n", v)
			return nil
		}

		if opts.debug {
			log.SetLevel(log.DebugLevel)
		}

		if len(args) == 0 {
			_ = cmd.Usage()
			return fmt.Errorf("please specify a target")
		}

		opts.portsGiven = cmd.Flags().Changed("ports")

		return run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
	},
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil && !errors.Is(err, errCancelled) {
		printError(os.Stderr, err.Error())
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errCancelled):
		return exitCancelled
	case errors.Is(err, scan.ErrInvalidSpecification):
		return exitInvalidSpec
	case errors.Is(err, scan.ErrUnresolvableHost):
		return exitUnresolved
	case errors.Is(err, scan.ErrHostUnreachable):
		return exitUnreachable
	}
	return exitFailure
}

func getPorts(o options) (scan.PortRange, error) {
	if !o.portsGiven {
		return scan.DefaultPortRange(), nil
	}
	return scan.ParsePortRange(o.ports)
}

func run(ctx context.Context, out io.Writer, host string, o options) error {

	ports, err := getPorts(o)
	if err != nil {
		return err
	}

	target, err := scan.ResolveTarget(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		return err
	}

	var dialer scan.Dialer
	if o.gateway != "" {
		gw, err := connectGateway(ctx, o)
		if err != nil {
			if ctx.Err() != nil {
				return errCancelled
			}
			return err
		}
		defer gw.Close()
		dialer = gw
	}

	scanner := scan.NewConnectScanner(scan.Options{
		Timeout:     time.Millisecond * time.Duration(o.timeoutMS),
		Concurrency: o.workers,
		Verbose:     o.verbose,
		RateLimit:   o.rate,
		Dialer:      dialer,
	})

	var device *scan.Device
	if o.hostInfo {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		d := scan.LookupDevice(lookupCtx, target)
		cancel()
		device = &d
	}

	rep := newReporter(out, o.reasons)
	rep.banner(target, ports, device, time.Now())

	log.Debugf("Starting scanner...")
	session := scanner.Scan(ctx, target, ports.Ports())

	stopProgress := func() {}
	if o.progress {
		rep.bar = newProgressBar(ports.Len())
		stopProgress = trackProgress(rep.bar, session)
	}

	for result := range session.Results() {
		log.Debugf("Result: %s", result)
		rep.result(result)
	}

	status, err := session.Wait()
	stopProgress()
	rep.summary(status, session.Summary())

	switch status {
	case scan.StatusCancelled:
		return errCancelled
	case scan.StatusAborted:
		return fmt.Errorf("couldn't connect to host, probably because it is down: %w", err)
	}
	return nil
}

func connectGateway(ctx context.Context, o options) (*tunnel.Dialer, error) {
	user, host, port, err := tunnel.ParseSpec(o.gateway)
	if err != nil {
		return nil, err
	}
	return tunnel.Connect(ctx, tunnel.Config{
		User:          user,
		Host:          host,
		Port:          port,
		KeyPath:       o.sshKey,
		UseAgent:      o.sshAgent,
		PromptPass:    o.sshPassword,
		StrictHostKey: o.strictHostKey,
		KnownHosts:    o.knownHosts,
	})
}
