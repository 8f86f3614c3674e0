// Command frontdoor is a TLS-terminating HTTP/1.x and HTTP/2 front end.
//
// Usage:
//
//	# Serve with defaults, echoing requests back
//	frontdoor serve
//
//	# Serve a configuration, forwarding to an upstream
//	frontdoor serve --config frontdoor.yaml --upstream http://127.0.0.1:9000
//
//	# Show the ALPN preference lists
//	frontdoor protocols
package main

func main() {
	Execute()
}
