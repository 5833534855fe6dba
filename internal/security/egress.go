package security

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedEndpoint は送信先URLが許可されない場合に返される。
var ErrBlockedEndpoint = errors.New("blocked outbound endpoint")

// blockedPrefixes は外部送信で到達してはならないアドレス範囲。
// safeurlのDialer検証と同じ範囲を、起動時の静的チェックでも弾く。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // メタデータIPを含む
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHostSuffixes は社内DNSやループバックに解決されうるホスト名の接尾辞。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// EgressGuard はメールAPIなど外部への送信先を制限する。
// HTTPSの443番ポートのみ許可し、内部ネットワークへの送信を拒否する。
type EgressGuard struct{}

// NewEgressGuard はEgressGuardを生成する。
func NewEgressGuard() *EgressGuard {
	return &EgressGuard{}
}

// ValidateEndpoint は送信先URLを事前に検証する。DNS解決は行わない。
// 解決後のアドレスはNewClientのDialer側で検証される。
func (g *EgressGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrBlockedEndpoint)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedEndpoint, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: scheme %q is not https", ErrBlockedEndpoint, u.Scheme)
	}
	// 認証情報はAPIキーで渡す
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedEndpoint)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("%w: port %s", ErrBlockedEndpoint, port)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedEndpoint)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: address %s", ErrBlockedEndpoint, addr)
		}
		return nil
	}
	if isBlockedHost(host) {
		return fmt.Errorf("%w: host %s", ErrBlockedEndpoint, host)
	}
	return nil
}

// NewClient はsafeurlで接続先を検証するHTTPクライアントを返す。
// レスポンスボディはmaxResponseBytesで打ち切られる（0以下なら無制限）。
func (g *EgressGuard) NewClient(timeout time.Duration, maxResponseBytes int64) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	client := safeurl.Client(cfg).Client
	if maxResponseBytes > 0 {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.Transport = &limitedTransport{base: base, limit: maxResponseBytes}
	}
	return client
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "localhost" {
		return true
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// limitedTransport はレスポンスボディの読み取り量を制限する。
type limitedTransport struct {
	base  http.RoundTripper
	limit int64
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &limitedBody{Reader: io.LimitReader(resp.Body, t.limit), closer: resp.Body}
	return resp, nil
}

type limitedBody struct {
	io.Reader
	closer io.Closer
}

func (b *limitedBody) Close() error {
	return b.closer.Close()
}
