package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer reaches upstreams through a SOCKS5 proxy using the
// CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := d.negotiate(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	if err := d.connect(c, address); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (d *SOCKS5ProxyDialer) negotiate(c net.Conn) error {
	methods := []byte{socks5.MethodNone}
	if d.username != "" {
		methods = append(methods, socks5.MethodUsernamePassword)
	}

	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case socks5.MethodNone:
		return nil
	case socks5.MethodUsernamePassword:
		if d.username == "" {
			return errors.New("server requires username/password")
		}
		req := socks5.NewUserPassNegotiationRequest([]byte(d.username), []byte(d.password))
		if _, err := req.WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := socks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != socks5.UserPassStatusSuccess {
			return errors.New("auth failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func (d *SOCKS5ProxyDialer) connect(c net.Conn, address string) error {
	atyp, addr, port, err := socks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == socks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := socks5.NewRequest(socks5.CmdConnect, atyp, addr, port).WriteTo(c); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := socks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != socks5.RepSuccess {
		return fmt.Errorf("connect refused: reply code %d", rep.Rep)
	}
	return nil
}
