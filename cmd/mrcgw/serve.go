package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrc-gateway/mrcgw/config"
	"github.com/mrc-gateway/mrcgw/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MRC gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &cliError{code: 1, err: err}
	}

	gw := gateway.New(cfg.GatewayOptions(log))

	if err := gw.Start(); err != nil {
		return &cliError{code: exitCodeForListenErr(err), err: err}
	}
	log.Info("mrcgw: serving", "addr", gw.Acceptor.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sig

	log.Info("mrcgw: shutting down")
	gw.Stop()

	return nil
}

// cliError carries the process exit code a startup failure should produce,
// alongside the underlying error for logging.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

// exitCodeForError maps a returned error to its process exit code; errors
// not wrapped as *cliError are "unknown" (127).
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := err.(*cliError); ok {
		fmt.Fprintln(os.Stderr, ce.err)
		return ce.code
	}
	fmt.Fprintln(os.Stderr, err)
	return 127
}

// exitCodeForListenErr inspects a net.Listen failure and maps it to a
// bind-related exit code (2 in use, 3 not available, 4 permission denied, 5
// bad address), falling back to 127.
func exitCodeForListenErr(err error) int {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return 2
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return 3
	case errors.Is(err, syscall.EACCES):
		return 4
	case errors.Is(err, syscall.EINVAL):
		return 5
	default:
		return 127
	}
}
