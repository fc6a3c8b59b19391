package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"

	deploy "github.com/rs-cuongph/my-deploy-tool"
)

// dialRemote opens the TCP connection towards the remote host, tunneling
// through the configured proxy when one is set. For the auto proxy kind
// SOCKS5 is attempted first with HTTP CONNECT as fallback, surfacing the
// last error when both fail.
func dialRemote(ctx context.Context, conn deploy.Connection, logger *slog.Logger) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: conn.ConnectTimeout}

	if conn.Proxy == nil {
		netConn, err := dialer.DialContext(ctx, "tcp", conn.Address())
		if err != nil {
			return nil, deploy.NewError(deploy.KindConnection, fmt.Errorf("error connecting to %s: %w", conn.Address(), err))
		}
		return netConn, nil
	}

	proxy := conn.Proxy
	logger.Info("transport.dialRemote: Connecting through proxy",
		"proxy", proxy.Address(),
		"kind", proxy.Kind,
		"target", conn.Address(),
	)

	switch proxy.Kind {
	case deploy.ProxySOCKS5:
		return dialSOCKS5(ctx, dialer, proxy, conn.Address())
	case deploy.ProxyHTTPConnect:
		return dialHTTPConnect(ctx, dialer, proxy, conn.Address(), conn.ConnectTimeout)
	case deploy.ProxyAuto:
		netConn, socksErr := dialSOCKS5(ctx, dialer, proxy, conn.Address())
		if socksErr == nil {
			return netConn, nil
		}
		logger.Info("transport.dialRemote: SOCKS5 failed, trying HTTP CONNECT", "error", socksErr)
		netConn, httpErr := dialHTTPConnect(ctx, dialer, proxy, conn.Address(), conn.ConnectTimeout)
		if httpErr != nil {
			return nil, httpErr
		}
		return netConn, nil
	}
	return nil, deploy.NewErrorf(deploy.KindProxy, "unsupported proxy kind %q", proxy.Kind)
}

func dialSOCKS5(ctx context.Context, dialer *net.Dialer, proxy *deploy.Proxy, targetAddr string) (net.Conn, error) {
	var auth *xproxy.Auth
	if proxy.Username != "" {
		auth = &xproxy.Auth{
			User:     proxy.Username,
			Password: proxy.Password,
		}
	}

	socksDialer, err := xproxy.SOCKS5("tcp", proxy.Address(), auth, dialer)
	if err != nil {
		return nil, deploy.NewError(deploy.KindProxy, fmt.Errorf("error creating socks5 dialer: %w", err))
	}

	contextDialer, ok := socksDialer.(xproxy.ContextDialer)
	if !ok {
		return nil, deploy.NewErrorf(deploy.KindProxy, "socks5 dialer does not support contexts")
	}

	netConn, err := contextDialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		return nil, deploy.NewError(deploy.KindProxy, fmt.Errorf("socks5 tunnel to %s failed: %w", targetAddr, err))
	}
	return netConn, nil
}

func dialHTTPConnect(ctx context.Context, dialer *net.Dialer, proxy *deploy.Proxy, targetAddr string, timeout time.Duration) (net.Conn, error) {
	netConn, err := dialer.DialContext(ctx, "tcp", proxy.Address())
	if err != nil {
		return nil, deploy.NewError(deploy.KindProxy, fmt.Errorf("error connecting to proxy %s: %w", proxy.Address(), err))
	}

	if timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}

	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxy.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		request += "Proxy-Authorization: Basic " + credentials + "\r\n"
	}
	request += "\r\n"

	if _, err := netConn.Write([]byte(request)); err != nil {
		_ = netConn.Close()
		return nil, deploy.NewError(deploy.KindProxy, fmt.Errorf("error sending CONNECT request: %w", err))
	}

	reader := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = netConn.Close()
		return nil, deploy.NewError(deploy.KindProxy, fmt.Errorf("error reading CONNECT response: %w", err))
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = netConn.Close()
		return nil, deploy.NewErrorf(deploy.KindProxy, "proxy CONNECT failed: %s", resp.Status)
	}

	_ = netConn.SetDeadline(time.Time{})

	// The reader may have buffered bytes past the CONNECT response already,
	// hand them to the caller before the raw connection.
	return &bufferedConn{Conn: netConn, reader: reader}, nil
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
