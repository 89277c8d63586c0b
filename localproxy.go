package track17

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// LocalProxy is a loopback CONNECT forwarder in front of an authenticated
// upstream proxy. Consumers that cannot attach proxy credentials themselves
// point at the local address and the forwarder injects the Basic auth on
// every tunnel it opens.
type LocalProxy struct {
	listener net.Listener
	upstream *ProxyConfig
	logger   Logger

	closeOnce sync.Once
}

// StartLocalProxy binds an ephemeral loopback port. Call Run to start
// accepting connections and Close to shut down.
func StartLocalProxy(upstream *ProxyConfig, logger Logger) (*LocalProxy, error) {
	if logger == nil {
		logger = NopLogger()
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind local proxy: %w", err)
	}
	return &LocalProxy{listener: listener, upstream: upstream, logger: logger}, nil
}

// Addr returns the local listen address (127.0.0.1:port).
func (p *LocalProxy) Addr() string {
	return p.listener.Addr().String()
}

// Run accepts connections until Close is called. Each connection gets its own
// goroutine; there is no shared mutable state beyond the upstream config.
func (p *LocalProxy) Run() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := p.handleConnection(conn); err != nil {
				p.logger.Log("Proxy connection error: %v", err)
			}
		}()
	}
}

// Close stops the listener. In-flight tunnels are left to drain on their own.
func (p *LocalProxy) Close() {
	p.closeOnce.Do(func() {
		p.listener.Close()
	})
}

func (p *LocalProxy) handleConnection(client net.Conn) error {
	defer client.Close()

	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		return err
	}
	request := string(buf[:n])

	firstLine, _, _ := strings.Cut(request, "\r\n")
	parts := strings.Fields(firstLine)
	if len(parts) < 2 || parts[0] != "CONNECT" {
		client.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return nil
	}
	target := parts[1]

	upstream, err := net.Dial("tcp", p.upstream.HostPort())
	if err != nil {
		client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return err
	}
	defer upstream.Close()

	auth := ""
	if p.upstream.HasAuth() {
		credentials := p.upstream.Username + ":" + p.upstream.Password
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
		auth = "Proxy-Authorization: Basic " + encoded + "\r\n"
	}

	connectRequest := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\n%sConnection: keep-alive\r\n\r\n",
		target, target, auth,
	)
	if _, err := upstream.Write([]byte(connectRequest)); err != nil {
		return err
	}

	respBuf := make([]byte, 4096)
	n, err = upstream.Read(respBuf)
	if err != nil {
		return err
	}
	response := string(respBuf[:n])
	if !strings.HasPrefix(response, "HTTP/1.1 200") && !strings.HasPrefix(response, "HTTP/1.0 200") {
		client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return nil
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	// Splice both directions until either side closes.
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	return nil
}
