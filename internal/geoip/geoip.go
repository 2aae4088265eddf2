// Package geoip enriches sniffer-captured source IPs with country and
// city metadata from a local MaxMind database. Entirely optional: with
// no database loaded, Resolve always returns nil and callers skip the
// enrichment.
package geoip

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"
)

// record is the subset of MMDB fields this domain needs: country and
// city only, no ASN (nothing in the LogRecord schema calls for it).
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// Lookup resolves IP addresses against a MaxMind MMDB file. Safe for
// concurrent use; the reader is swapped atomically on reload.
type Lookup struct {
	reader atomic.Pointer[maxminddb.Reader]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// New creates an empty Lookup. Resolve returns nil until Load succeeds.
func New() *Lookup {
	return &Lookup{}
}

// Resolve returns attributes.net.geo_country and net.geo_city for the
// given address, or nil if no database is loaded or the address misses.
func (l *Lookup) Resolve(addr string) map[string]string {
	r := l.reader.Load()
	if r == nil {
		return nil
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}

	var rec record
	if err := r.Lookup(ip, &rec); err != nil {
		return nil
	}

	out := make(map[string]string, 2)
	if rec.Country.ISOCode != "" {
		out["net.geo_country"] = rec.Country.ISOCode
	}
	if name := rec.City.Names["en"]; name != "" {
		out["net.geo_city"] = name
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Load opens an MMDB file and swaps the atomic reader pointer, closing
// the previous reader once the swap completes.
func (l *Lookup) Load(path string) error {
	r, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("open mmdb %q: %w", path, err)
	}
	old := l.reader.Swap(r)
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// WatchFile watches path for changes and reloads on write/create.
// Calling it again replaces the previous watch.
func (l *Lookup) WatchFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", path, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(w, path, l.watchDone)
	return nil
}

func (l *Lookup) watchLoop(w *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = l.Load(path)
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (l *Lookup) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		<-l.watchDone
		l.watcher = nil
		l.watchDone = nil
	}
}

// Close stops the file watcher and closes the current reader.
func (l *Lookup) Close() {
	l.mu.Lock()
	l.stopWatchLocked()
	l.mu.Unlock()

	if r := l.reader.Swap(nil); r != nil {
		_ = r.Close()
	}
}
