package geoip

import "testing"

func TestResolveWithoutLoadedDatabaseReturnsNil(t *testing.T) {
	l := New()
	if got := l.Resolve("8.8.8.8"); got != nil {
		t.Errorf("expected nil with no database loaded, got %v", got)
	}
}

func TestResolveInvalidAddressReturnsNil(t *testing.T) {
	l := New()
	if got := l.Resolve("not-an-ip"); got != nil {
		t.Errorf("expected nil for invalid address, got %v", got)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	l := New()
	if err := l.Load("/nonexistent/path.mmdb"); err == nil {
		t.Error("expected error loading a nonexistent database")
	}
}
