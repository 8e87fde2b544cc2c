// Package main generates a development Certificate Authority and a server
// certificate signed by it, writing them under the "certs" directory. An
// existing CA is reused so clients that already trust it keep working.
package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/atinyakov/GophPass/internal/certgen"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("certgen", pflag.ContinueOnError)
	dir := flags.StringP("dir", "d", "certs", "output directory")
	hosts := flags.StringSliceP("hosts", "H", []string{"localhost", "127.0.0.1"}, "server certificate hosts")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return err
	}

	caCertPath := filepath.Join(*dir, "ca.crt")
	caKeyPath := filepath.Join(*dir, "ca.key")
	caCert, caKey, err := loadOrCreateCA(caCertPath, caKeyPath)
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := certgen.GenerateServerCertificate(*hosts, caCert, caKey)
	if err != nil {
		return err
	}
	if err := writeCertAndKey(filepath.Join(*dir, "server.crt"), filepath.Join(*dir, "server.key"), certPEM, keyPEM); err != nil {
		return err
	}

	fmt.Fprintf(out, "Certificates generated into %s\n", *dir)
	return nil
}

// loadOrCreateCA reuses the CA in dir or creates one valid for 10 years.
func loadOrCreateCA(certPath, keyPath string) (*x509.Certificate, any, error) {
	caCert, caKey, err := certgen.LoadCACredentials(certPath, keyPath)
	if err == nil {
		return caCert, caKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	newCert, newKey, err := certgen.GenerateCA("GophPass CA", 10*365*24*time.Hour)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := certgen.EncodeKey(newKey)
	if err != nil {
		return nil, nil, err
	}
	if err := writeCertAndKey(certPath, keyPath, certgen.EncodeCertificate(newCert.Raw), keyPEM); err != nil {
		return nil, nil, err
	}
	return newCert, newKey, nil
}

// writeCertAndKey writes the PEM certificate and key. The key is readable by
// the owner only.
func writeCertAndKey(certPath, keyPath string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}
