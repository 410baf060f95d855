package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartAnnouncerBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfUserID:    42,
		Username:      "alice",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		t.Fatalf("StartAnnouncer failed: %v", err)
	}
	if announcer == nil {
		t.Fatalf("expected announcer instance")
	}

	if gotInstance != "alice" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "user_id=42")
	assertContainsTXT(t, gotTXT, "username=alice")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartAnnouncerValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing user id", Config{Username: "alice", ListeningPort: 9999, registerFn: register}},
		{"missing username", Config{SelfUserID: 1, ListeningPort: 9999, registerFn: register}},
		{"missing port", Config{SelfUserID: 1, Username: "alice", registerFn: register}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := StartAnnouncer(tc.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfUserID:    1,
		Username:      "self",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Announcer == nil || svc.Scanner == nil {
		t.Fatalf("expected announcer and scanner")
	}
	svc.Stop()
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Service != DefaultService {
		t.Fatalf("expected default service, got %q", cfg.Service)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("expected default refresh interval, got %s", cfg.RefreshInterval)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout, got %s", cfg.ScanTimeout)
	}

	custom := Config{RefreshInterval: time.Minute}.withDefaults()
	if custom.RefreshInterval != time.Minute {
		t.Fatalf("explicit refresh interval overwritten: %s", custom.RefreshInterval)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
