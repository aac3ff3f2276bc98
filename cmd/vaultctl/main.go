// Command vaultctl controls a running vaultd over its local gRPC listener.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/vaultbridge/internal/config"
	"github.com/and161185/vaultbridge/internal/keys"
	"github.com/and161185/vaultbridge/internal/messaging"
	grpcserver "github.com/and161185/vaultbridge/internal/server/grpc"
	"github.com/and161185/vaultbridge/internal/service"
)

const tokenSubject = "vaultctl"

// dispatcher sends one bridge request.
type dispatcher interface {
	Dispatch(ctx context.Context, req *messaging.Request, opts ...grpc.CallOption) (*messaging.Response, error)
}

type app struct {
	in     io.Reader
	out    io.Writer
	client dispatcher
	conn   *grpc.ClientConn

	caFile  string
	timeout time.Duration
	noColor bool
}

func main() {
	a := &app{in: os.Stdin, out: os.Stdout}
	err := newRootCmd(a).ExecuteContext(context.Background())
	if a.conn != nil {
		_ = a.conn.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Control the vaultbridge daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.noColor {
				color.NoColor = true
			}
			if a.client != nil {
				return nil
			}
			return a.connect(cmd)
		},
	}
	fs := root.PersistentFlags()
	fs.String("config", "", "config file (default "+config.DefaultConfigFile()+")")
	fs.String("grpc-addr", "", "daemon control address")
	fs.StringVar(&a.caFile, "ca", "", "CA certificate (PEM) when the daemon uses TLS")
	fs.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-request timeout")
	fs.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newSourcesCmd(a),
		newStatusCmd(a),
		newAddLocalCmd(a),
		newRemoveCmd(a),
		newUnlockCmd(a),
		newLockCmd(a),
		newLockAllCmd(a),
		newSaveCmd(a),
		newSearchCmd(a),
	)
	return root
}

// connect reads the shared configuration, mints a token with the keyring
// signing key and dials the daemon.
func (a *app) connect(cmd *cobra.Command) error {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.GRPC.Addr == "" {
		return errors.New("daemon control listener is disabled (grpc.addr is empty)")
	}
	key, err := keys.Load(cfg.Keyring.Service, cfg.Keyring.User)
	if err != nil {
		return fmt.Errorf("%w: start vaultd with a control listener first", err)
	}
	tok, _, err := service.NewTokenService(key, time.Minute).Issue(tokenSubject)
	if err != nil {
		return err
	}

	secure := cfg.GRPC.TLSCert != ""
	creds, err := loadTLS(a.caFile, secure)
	if err != nil {
		return err
	}
	cc, err := grpc.NewClient(cfg.GRPC.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(grpcserver.BearerCreds{Token: tok, Secure: secure}),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.GRPC.Addr, err)
	}
	a.conn = cc
	a.client = grpcserver.NewClient(cc)
	return nil
}

func loadTLS(caPath string, secure bool) (credentials.TransportCredentials, error) {
	if !secure {
		return insecure.NewCredentials(), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA PEM")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

// call sends typ with payload and decodes the result into out when non-nil.
func (a *app) call(ctx context.Context, typ string, payload, out any) error {
	req, err := messaging.NewRequest(typ, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.client.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
