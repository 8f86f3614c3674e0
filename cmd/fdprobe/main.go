// Command fdprobe sends requests to a front end and checks that they are
// echoed back, over HTTP/2 or HTTP/1.1.
package main

import (
	"bytes"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

var (
	flagHTTP1    = flag.Bool("http1", false, "use HTTP/1.1 instead of HTTP/2")
	flagInsecure = flag.Bool("insecure", true, "do not verify the server certificate")
	flagParallel = flag.Int("parallel", 8, "concurrent requests per round")
	flagRounds   = flag.Int("rounds", 1, "number of rounds")
	flagTimeout  = flag.Duration("timeout", 10*time.Second, "request timeout")
)

type probe struct {
	URL    string
	Client *http.Client
}

func newClient() *http.Client {
	tlsConfig := &tls.Config{InsecureSkipVerify: *flagInsecure}
	var rt http.RoundTripper
	if *flagHTTP1 {
		rt = &http.Transport{TLSClientConfig: tlsConfig, ForceAttemptHTTP2: false}
	} else {
		rt = &http2.Transport{TLSClientConfig: tlsConfig}
	}
	return &http.Client{Transport: rt, Timeout: *flagTimeout}
}

// check sends one request and verifies that the body is echoed back at the end.
func (p probe) check(method, path string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(p.URL, "/")+path, rd)
	if err != nil {
		return err
	}
	res, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	got, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
	}
	if !bytes.HasSuffix(got, body) {
		return fmt.Errorf("%s %s: body not echoed, got %d bytes", method, path, len(got))
	}
	if !bytes.HasPrefix(got, []byte(method+" "+path)) {
		return fmt.Errorf("%s %s: unexpected request line %q", method, path, firstLine(got))
	}
	return nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("missing required argument: URL of the front end, e.g. https://127.0.0.1:8443/")
	}
	p := probe{URL: args[0], Client: newClient()}

	lotsaFooBar := bytes.Repeat([]byte("foobar! "), 8192)
	failed := 0
	for round := 0; round < *flagRounds; round++ {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < *flagParallel; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				switch i % 3 {
				case 0:
					err = p.check("GET", "/", nil)
				case 1:
					err = p.check("PUT", "/meh", []byte("foo\nbar"))
				default:
					err = p.check("POST", "/lotsafoobar", lotsaFooBar)
				}
				if err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					log.Print(err)
				}
			}(i)
		}
		wg.Wait()
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d requests failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("ok")
}
