package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/udayangaac/multi-proxy/internal/testutil"
)

// serveCONNECT answers a single CONNECT request on c. If auth is set the
// request must carry it in Proxy-Authorization.
func serveCONNECT(c net.Conn, auth string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()

	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	if auth != "" && req.Header.Get("Proxy-Authorization") != auth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
		return
	}

	dst, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func newTestHTTPProxyDialer(t *testing.T, addr, user, pass string) *HTTPProxyDialer {
	t.Helper()

	d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: time.Second}, &url.URL{Scheme: "http", Host: addr}, user, pass)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestHTTPProxyDialer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		serveCONNECT(c, wantAuth)
	})

	d := newTestHTTPProxyDialer(t, upLn.Addr().String(), "user", "pass")

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	conn.Close()

	waitUp()
}

func TestHTTPProxyDialerNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		serveCONNECT(c, "Basic secret")
	})

	d := newTestHTTPProxyDialer(t, upLn.Addr().String(), "", "")
	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}

	waitUp()
}

func TestHTTPProxyDialerUnsupportedNetwork(t *testing.T) {
	t.Parallel()

	d := newTestHTTPProxyDialer(t, "127.0.0.1:1", "", "")
	if _, err := d.DialContext(context.Background(), "udp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
}
