package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// ServerTLSConfig builds a TLS config for mutual TLS when clientCA is provided.
func ServerTLSConfig(certFile, keyFile, clientCA string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCA == "" {
		return cfg, nil
	}
	caData, err := os.ReadFile(clientCA)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("invalid client ca %s", clientCA)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ServeOptions configures Serve. TLS is enabled when CertFile and KeyFile are set.
type ServeOptions struct {
	Addr     string
	CertFile string
	KeyFile  string
	ClientCA string
	Logger   *zap.Logger
}

// Serve runs an HTTP(S) server for handler until ctx is cancelled, then
// shuts it down gracefully.
func Serve(ctx context.Context, handler http.Handler, o ServeOptions) error {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              o.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	useTLS := o.CertFile != "" && o.KeyFile != ""
	if useTLS {
		cfg, err := ServerTLSConfig(o.CertFile, o.KeyFile, o.ClientCA)
		if err != nil {
			return err
		}
		srv.TLSConfig = cfg
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("controller listening", zap.String("addr", o.Addr), zap.Bool("tls", useTLS))
		if useTLS {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
