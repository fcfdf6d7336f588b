// Package transport performs HTTP requests through egress endpoints.
//
// HTTP and HTTPS endpoints are used as forward proxies; SOCKS5 endpoints are
// dialed with golang.org/x/net/proxy. One http.Client is cached per endpoint
// so keep-alive connections to a proxy are reused across requests.
package transport
