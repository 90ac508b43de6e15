// genkey writes the Ed25519 key pair conduit signs rerun tokens with.
//
// Usage (from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Point CONDUIT_JWT_PRIVATE_KEY and CONDUIT_JWT_PUBLIC_KEY at the written
// files, and give the rerun ingress the public key. Without persistent keys
// conduit generates a fresh pair at startup, and tokens for reruns issued
// before a restart no longer verify.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func main() {
	dir := flag.String("dir", "data", "directory to write rerun_token_{private,public}.pem into")
	flag.Parse()

	if err := run(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "rerun_token_private.pem")
	pubPath := filepath.Join(dir, "rerun_token_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// Rotation is an explicit delete; never clobber a live key.
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists, remove it first to rotate", p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER, 0o600); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\nwrote %s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
