package frontdoor

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// CertReloadDelay is how long file events are coalesced before reloading.
var CertReloadDelay = 100 * time.Millisecond

// CertReloader serves a certificate/key pair loaded from disk and can
// reload it when the files change.
type CertReloader struct {
	CertFile string
	KeyFile  string
	log      zerolog.Logger
	mu       sync.RWMutex
	cert     *tls.Certificate
	reloads  int
}

// NewCertReloader loads the pair once and returns a CertReloader serving it.
func NewCertReloader(certFile, keyFile string, logger zerolog.Logger) (*CertReloader, error) {
	cr := &CertReloader{
		CertFile: certFile,
		KeyFile:  keyFile,
		log:      logger.With().Str("cert", certFile).Logger(),
	}
	if err := cr.Reload(); err != nil {
		return nil, err
	}
	return cr, nil
}

// Reload loads the pair from disk. On failure the previous certificate
// stays in use.
func (cr *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(cr.CertFile, cr.KeyFile)
	if err != nil {
		return errors.Wrap(err, "load key pair")
	}
	cr.mu.Lock()
	cr.cert = &cert
	cr.reloads++
	cr.mu.Unlock()
	return nil
}

// Reloads returns how many times a certificate has been loaded.
func (cr *CertReloader) Reloads() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.reloads
}

// GetCertificate implements tls.Config.GetCertificate.
func (cr *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cert, nil
}

// TLSConfig returns a server tls.Config using the reloader.
func (cr *CertReloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cr.GetCertificate,
	}
}

// Watch reloads the pair whenever either file is written, created or
// renamed into place, until ctx is done. The containing directories are
// watched so replacing the files by rename is noticed.
func (cr *CertReloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	names := map[string]struct{}{
		filepath.Clean(cr.CertFile): {},
		filepath.Clean(cr.KeyFile):  {},
	}
	dirs := map[string]struct{}{}
	for name := range names {
		dirs[filepath.Dir(name)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return errors.Wrapf(err, "watch %q", dir)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if _, ok := names[filepath.Clean(ev.Name)]; !ok {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cr.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("certificate changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(CertReloadDelay, func() {
				if err := cr.Reload(); err != nil {
					cr.log.Error().Err(err).Msg("certificate reload")
					return
				}
				cr.log.Info().Msg("certificate reloaded")
			})
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			cr.log.Error().Err(err).Msg("watcher")
		}
	}
}
