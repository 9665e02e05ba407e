package executor

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// acceptedEncodings is advertised on every upstream request. The transport
// has DisableCompression set, so decoding happens explicitly in decodeBody.
const acceptedEncodings = "gzip, deflate, br"

// newUpstreamHTTPClient builds the adapter's HTTP client: a keep-alive pool
// of up to 100 sockets, optional http/https/socks5 proxy routing, and no
// transparent compression handling.
func newUpstreamHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	if trimmed := strings.TrimSpace(proxyURL); trimmed != "" {
		configureProxy(transport, trimmed)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func configureProxy(transport *http.Transport, rawURL string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		log.Warnf("kiro client: invalid proxy url %q: %v", rawURL, err)
		return
	}
	switch strings.ToLower(parsed.Scheme) {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			log.Warnf("kiro client: socks5 proxy %q: %v", parsed.Host, err)
			return
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		log.Warnf("kiro client: unsupported proxy scheme %q", parsed.Scheme)
	}
}

// decodeBody replaces resp.Body with a reader that undoes the declared
// Content-Encoding. Unknown encodings pass through untouched.
func decodeBody(resp *http.Response) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			log.Warnf("kiro client: gzip reader: %v", err)
			return
		}
		resp.Body = &decodedBody{reader: reader, underlying: resp.Body}
	case "deflate":
		reader, err := zlib.NewReader(resp.Body)
		if err != nil {
			log.Warnf("kiro client: deflate reader: %v", err)
			return
		}
		resp.Body = &decodedBody{reader: reader, underlying: resp.Body}
	case "br":
		resp.Body = &decodedBody{reader: io.NopCloser(brotli.NewReader(resp.Body)), underlying: resp.Body}
	}
}

// decodedBody closes both the decoder and the network body.
type decodedBody struct {
	reader     io.ReadCloser
	underlying io.ReadCloser
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.reader.Read(p) }

func (d *decodedBody) Close() error {
	errReader := d.reader.Close()
	errBody := d.underlying.Close()
	if errReader != nil {
		return errReader
	}
	return errBody
}
