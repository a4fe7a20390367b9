package agent

import (
	"context"
	"net"
	"strconv"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/state"
)

func address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConnectTCP connects to the other participant at the Config's Host and
// Port and initializes the channel.
func ConnectTCP(ctx context.Context, c Config) (*Agent, error) {
	conn, err := dial(ctx, address(c.Host, c.Port))
	if err != nil {
		return nil, err
	}
	return Initialize(ctx, conn, c)
}

// ServeTCP accepts one connection from the other participant on the
// Config's Host and Port and initializes the channel.
func ServeTCP(ctx context.Context, c Config) (*Agent, error) {
	conn, err := accept(ctx, address(c.Host, c.Port))
	if err != nil {
		return nil, err
	}
	return Initialize(ctx, conn, c)
}

// ReconnectTCP resumes the channel session over a new TCP connection. The
// initiator connects to the responder, the responder accepts one
// connection.
func (a *Agent) ReconnectTCP(ctx context.Context) error {
	addr := address(a.host, a.port)
	var (
		conn net.Conn
		err  error
	)
	if a.role == state.RoleInitiator {
		conn, err = dial(ctx, addr)
	} else {
		conn, err = accept(ctx, addr)
	}
	if err != nil {
		return err
	}
	return a.Reconnect(ctx, conn)
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Kind(errors.ErrNetwork, "connecting to %s: %v", addr, err)
	}
	return conn, nil
}

func accept(ctx context.Context, addr string) (net.Conn, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Kind(errors.ErrNetwork, "listening on %s: %v", addr, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		return nil, errors.Kind(errors.ErrNetwork, "accepting incoming connection: %v", err)
	}
	return conn, nil
}
