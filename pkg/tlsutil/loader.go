package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/c360/qollective/errors"
)

var (
	defaultLoader = NewLoader()
	initOnce      sync.Once
	initialized   bool
)

// Init performs process-wide TLS setup once. Transports call it from their constructors, so
// calling it directly is optional.
func Init() {
	initOnce.Do(func() {
		// Prime the platform root store so the first handshake does not pay for it.
		_ = systemRoots()
		initialized = true
	})
}

// Initialized reports whether Init has run.
func Initialized() bool {
	Init()
	return initialized
}

// Loader reads certificate material from disk and caches it by path.
type Loader struct {
	mu    sync.Mutex
	pairs map[[2]string]*tls.Certificate
	pools map[string]*x509.CertPool
}

// NewLoader creates an empty loader. Most callers use the package-level functions, which share
// a default loader.
func NewLoader() *Loader {
	return &Loader{
		pairs: make(map[[2]string]*tls.Certificate),
		pools: make(map[string]*x509.CertPool),
	}
}

// Preload reads the configured files off the calling goroutine, so servers can warm the cache
// before accepting connections. It returns ctx.Err() if ctx ends first.
func (l *Loader) Preload(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	cfg = cfg.Expanded()
	done := make(chan error, 1)
	go func() {
		if cfg.CertPath != "" {
			if _, err := l.keyPair(cfg.CertPath, cfg.KeyPath); err != nil {
				done <- err
				return
			}
		}
		if cfg.CAPath != "" {
			if _, err := l.caPool(cfg.CAPath); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.FromContext(ctx, "tlsutil.Preload")
	}
}

// Preload warms the default loader.
func Preload(ctx context.Context, cfg Config) error {
	return defaultLoader.Preload(ctx, cfg)
}

// Reset drops all cached material, for example after certificate rotation.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs = make(map[[2]string]*tls.Certificate)
	l.pools = make(map[string]*x509.CertPool)
}

func (l *Loader) keyPair(certPath, keyPath string) (*tls.Certificate, error) {
	key := [2]string{certPath, keyPath}
	l.mu.Lock()
	if cached, ok := l.pairs[key]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	const op = "tlsutil.keyPair"
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, wrapConfig(op, err, "read certificate %s", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, wrapConfig(op, err, "read private key %s", keyPath)
	}
	if countBlocks(certPEM, "CERTIFICATE") == 0 {
		return nil, configError(op, "certificate chain in %s is empty", certPath)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, wrapConfig(op, err, "parse key pair %s", certPath)
	}

	l.mu.Lock()
	l.pairs[key] = &pair
	l.mu.Unlock()
	return &pair, nil
}

func (l *Loader) caPool(caPath string) (*x509.CertPool, error) {
	l.mu.Lock()
	if cached, ok := l.pools[caPath]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	const op = "tlsutil.caPool"
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, wrapConfig(op, err, "read CA %s", caPath)
	}
	if countBlocks(caPEM, "CERTIFICATE") == 0 {
		return nil, configError(op, "no certificates in CA file %s", caPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, configError(op, "malformed PEM in CA file %s", caPath)
	}

	l.mu.Lock()
	l.pools[caPath] = pool
	l.mu.Unlock()
	return pool, nil
}

func countBlocks(data []byte, blockType string) int {
	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return n
		}
		if block.Type == blockType {
			n++
		}
	}
}
