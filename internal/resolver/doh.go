package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/miekg/dns"
)

const (
	dnsMessageType = "application/dns-message"
	// maxDNSResponse bounds how much of a DoH response body is read.
	maxDNSResponse = 64 << 10
)

// ErrNotHTTPS is returned by NewDoH for service URLs that are not https.
var ErrNotHTTPS = errors.New("doh service url must use https")

// DoH is an RFC 8484 DNS-over-HTTPS client. Only AAAA records are requested
// since the proxy routes to IPv6 backends exclusively.
type DoH struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewDoH returns a resolver that POSTs queries to serviceURL. A nil logger
// silences the HTTP client's retry logging.
func NewDoH(serviceURL string, logger *slog.Logger) (*DoH, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, ErrNotHTTPS
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}

	return &DoH{endpoint: u.String(), client: client}, nil
}

// LookupNetIP resolves the AAAA records of host, following CNAMEs that the
// upstream already expanded in the answer section.
func (d *DoH) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	// RFC 8484 recommends ID 0 for cache friendliness.
	query.Id = 0
	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query for %s: %w", host, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("build doh request: %w", err)
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh request for %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh request for %s: unexpected status %s", host, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDNSResponse))
	if err != nil {
		return nil, fmt.Errorf("read doh response for %s: %w", host, err)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpack doh response for %s: %w", host, err)
	}
	if answer.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s: %s", host, dns.RcodeToString[answer.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range answer.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(aaaa.AAAA); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
