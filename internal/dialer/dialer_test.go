package dialer

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/udayangaac/multi-proxy/internal/testutil"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		via      string
		wantType any
		wantHost string
		wantErr  bool
	}{
		{name: "empty is direct", via: "", wantType: &directDialer{}},
		{name: "direct", via: "direct://", wantType: &directDialer{}},
		{name: "http default port", via: "http://proxy.example", wantType: &HTTPProxyDialer{}, wantHost: "proxy.example:80"},
		{name: "https default port", via: "https://proxy.example", wantType: &HTTPProxyDialer{}, wantHost: "proxy.example:443"},
		{name: "socks5 default port", via: "socks5://proxy.example", wantType: &SOCKS5ProxyDialer{}},
		{name: "scheme case-insensitive", via: "HTTp://proxy.example:3128", wantType: &HTTPProxyDialer{}, wantHost: "proxy.example:3128"},
		{name: "unsupported scheme", via: "gopher://example.com", wantErr: true},
		{name: "ssh is not supported", via: "ssh://user@example.com", wantErr: true},
		{name: "missing scheme", via: "example.com:80", wantErr: true},
		{name: "missing host", via: "http://", wantErr: true},
		{name: "non-empty path", via: "http://example.com/foo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(Config{}, tt.via)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got, want := reflect.TypeOf(d), reflect.TypeOf(tt.wantType); got != want {
				t.Fatalf("got %s want %s", got, want)
			}
			if tt.wantHost != "" {
				if got := d.(*HTTPProxyDialer).ProxyURL().Host; got != tt.wantHost {
					t.Fatalf("host=%q want %q", got, tt.wantHost)
				}
			}
		})
	}
}

func TestDirectDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln := testutil.StartEchoTCPServer(t, ctx)
	defer ln.Close()

	d := NewDirectDialer(Config{DialTimeout: time.Second})
	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("ping"))

	if _, err := d.DialContext(ctx, "tcp", testutil.ClosedAddr(t)); err == nil {
		t.Fatal("expected error dialing a closed port")
	}
}
