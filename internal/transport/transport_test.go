package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/transport"
)

// proxyKey turns an httptest server into an HTTP proxy endpoint key.
func proxyKey(t *testing.T, srv *httptest.Server) registry.Key {
	t.Helper()
	k, err := registry.ParseKey(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestClient_HTTPProxyForwardsAbsoluteURI(t *testing.T) {
	var mu sync.Mutex
	var gotURI, gotUA, gotCustom string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotURI = r.RequestURI
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Trace")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("proxied"))
	}))
	defer proxySrv.Close()

	c := transport.NewClient([]string{"egress-test/1.0"})
	defer c.Close()

	resp, err := c.Do(context.Background(), proxyKey(t, proxySrv), transport.Request{
		URL:     "http://target.invalid/ip",
		Header:  map[string]string{"X-Trace": "abc"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "proxied" {
		t.Errorf("expected body 'proxied', got %q", resp.Body)
	}
	if resp.Latency <= 0 {
		t.Errorf("expected positive latency, got %v", resp.Latency)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotURI != "http://target.invalid/ip" {
		t.Errorf("expected absolute request URI at the proxy, got %q", gotURI)
	}
	if gotUA != "egress-test/1.0" {
		t.Errorf("expected rotated User-Agent, got %q", gotUA)
	}
	if gotCustom != "abc" {
		t.Errorf("expected custom header forwarded, got %q", gotCustom)
	}
}

func TestClient_ExplicitUserAgentWins(t *testing.T) {
	var gotUA string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer proxySrv.Close()

	c := transport.NewClient(nil)
	_, err := c.Do(context.Background(), proxyKey(t, proxySrv), transport.Request{
		URL:    "http://target.invalid/",
		Header: map[string]string{"User-Agent": "custom"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotUA != "custom" {
		t.Errorf("expected caller User-Agent to be kept, got %q", gotUA)
	}
}

func TestClient_PostBody(t *testing.T) {
	var gotMethod, gotBody string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer proxySrv.Close()

	c := transport.NewClient(nil)
	resp, err := c.Do(context.Background(), proxyKey(t, proxySrv), transport.Request{
		Method: http.MethodPost,
		URL:    "http://target.invalid/items",
		Body:   []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if gotMethod != http.MethodPost || gotBody != `{"a":1}` {
		t.Errorf("unexpected request at proxy: %s %q", gotMethod, gotBody)
	}
}

func TestClient_ErrorStatusIsNotAnError(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer proxySrv.Close()

	resp, err := transport.NewClient(nil).Do(context.Background(), proxyKey(t, proxySrv), transport.Request{URL: "http://target.invalid/"})
	if err != nil {
		t.Fatalf("expected status to be returned as a response, got %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestClient_Timeout(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer proxySrv.Close()

	_, err := transport.NewClient(nil).Do(context.Background(), proxyKey(t, proxySrv), transport.Request{
		URL:     "http://target.invalid/",
		Timeout: 50 * time.Millisecond,
	})
	var ce *transport.ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnError, got %v", err)
	}
	if !ce.Timeout() {
		t.Errorf("expected timeout, got %v", ce)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	k, _ := registry.ParseKey(addr)
	_, err = transport.NewClient(nil).Do(context.Background(), k, transport.Request{
		URL:     "http://target.invalid/",
		Timeout: 2 * time.Second,
	})
	var ce *transport.ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnError, got %v", err)
	}
	if ce.Timeout() {
		t.Errorf("refused connection should not report a timeout: %v", ce)
	}
	if ce.Endpoint != k {
		t.Errorf("expected endpoint %s on error, got %s", k, ce.Endpoint)
	}
}

func TestClient_SOCKS5(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks"))
	}))
	defer target.Close()

	socksAddr := startSOCKS5(t)
	k, err := registry.ParseKey("socks5://" + socksAddr)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := transport.NewClient(nil).Do(context.Background(), k, transport.Request{
		URL:     target.URL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Do via socks5: %v", err)
	}
	if string(resp.Body) != "via socks" {
		t.Errorf("expected body 'via socks', got %q", resp.Body)
	}
}

func TestClient_ForgetAndClose(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer proxySrv.Close()

	c := transport.NewClient(nil)
	k := proxyKey(t, proxySrv)
	if _, err := c.Do(context.Background(), k, transport.Request{URL: "http://target.invalid/"}); err != nil {
		t.Fatal(err)
	}

	c.Forget(k)
	c.Forget(k)
	c.Close()
	c.Close()

	// still usable after Forget and Close
	if _, err := c.Do(context.Background(), k, transport.Request{URL: "http://target.invalid/"}); err != nil {
		t.Errorf("request after Forget failed: %v", err)
	}

	var nilClient *transport.Client
	nilClient.Close()
}

// startSOCKS5 runs a minimal no-auth SOCKS5 CONNECT server for the test.
func startSOCKS5(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(conn)
		}
	}()
	return ln.Addr().String()
}

func serveSOCKS5(conn net.Conn) {
	defer conn.Close()

	// greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, hdr[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 0}); err != nil {
		return
	}

	// request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return
		}
		host = string(name)
	default:
		return
	}
	pb := make([]byte, 2)
	if _, err := io.ReadFull(conn, pb); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(pb)

	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		_, _ = conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	if _, err := conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(upstream, conn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(conn, upstream); done <- struct{}{} }()
	<-done
}
