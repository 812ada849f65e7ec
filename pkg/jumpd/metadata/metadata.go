// Package metadata fetches a jump's page title and icon in the background.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mikepea/jumpd/pkg/jumpd/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"gorm.io/gorm"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Page is what was found at a location.
type Page struct {
	Title string
	Icon  string
}

// ErrPrivateAddress is returned when a location resolves to an address the
// refresher may not reach.
var ErrPrivateAddress = errors.New("address is not publicly routable")

// sharedAddressSpace is carrier-grade NAT (RFC 6598), not covered by IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Options configure a Refresher.
type Options struct {
	Timeout time.Duration
	// AllowPrivateNetworks lets the refresher fetch loopback, private and
	// link-local addresses, for deployments whose jumps point at intranet hosts.
	AllowPrivateNetworks bool
}

// Refresher is nil-safe: a nil *Refresher never fetches.
type Refresher struct {
	db      *gorm.DB
	client  *http.Client
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRefresher(db *gorm.DB, opts Options) *Refresher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Refresher{
		db:      db,
		client:  NewClient(opts.Timeout, opts.AllowPrivateNetworks),
		timeout: opts.Timeout,
	}
}

// NewClient returns the HTTP client used for fetching. Unless allowPrivate is
// set, every dial, including those made while following redirects, is checked
// against the resolved IP so DNS answers cannot point it at internal hosts.
func NewClient(timeout time.Duration, allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer.Control = publicOnly
		// A proxy would be the only address checked.
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	if !IsPublic(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

// IsPublic reports whether addr is a globally routable unicast address.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}

// Refresh fetches the jump's location in the background and fills in a blank
// title or icon. Errors are logged and otherwise ignored.
func (r *Refresher) Refresh(jumpID uint, location string) {
	if r == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.refresh(jumpID, location); err != nil {
			log.WithError(err).WithFields(log.Fields{"jump_id": jumpID, "location": location}).Warn("metadata refresh failed")
		}
	}()
}

func (r *Refresher) refresh(jumpID uint, location string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	page, err := Fetch(ctx, r.client, location)
	if err != nil {
		return err
	}
	if page.Title != "" {
		if err := r.db.Model(&models.Jump{}).
			Where("id = ? AND (title = '' OR title IS NULL)", jumpID).
			UpdateColumn("title", page.Title).Error; err != nil {
			return err
		}
	}
	if page.Icon != "" {
		if err := r.db.Model(&models.Jump{}).
			Where("id = ? AND (icon = '' OR icon IS NULL)", jumpID).
			UpdateColumn("icon", page.Icon).Error; err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until in-flight refreshes finish.
func (r *Refresher) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// Fetch downloads location and extracts its title and icon. Without a
// declared icon the site's /favicon.ico is assumed.
func Fetch(ctx context.Context, client *http.Client, location string) (Page, error) {
	base, err := url.Parse(location)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return Page{}, fmt.Errorf("unsupported location %q", location)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Page{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return Page{}, fmt.Errorf("unexpected content type %q", ct)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, fmt.Errorf("parsing html: %w", err)
	}

	// Redirects move the base for relative icon links.
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	page := Page{}
	walk(doc, base, &page)
	if page.Icon == "" {
		page.Icon = base.ResolveReference(&url.URL{Path: "/favicon.ico"}).String()
	}
	return page, nil
}

func walk(n *html.Node, base *url.URL, page *Page) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if page.Title == "" && n.FirstChild != nil {
				page.Title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
			}
		case "link":
			if page.Icon == "" && isIconRel(attr(n, "rel")) {
				if href, err := url.Parse(attr(n, "href")); err == nil && href.String() != "" {
					page.Icon = base.ResolveReference(href).String()
				}
			}
		case "svg":
			// Inline SVG carries its own <title> elements.
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, base, page)
	}
}

func isIconRel(rel string) bool {
	for _, f := range strings.Fields(strings.ToLower(rel)) {
		if f == "icon" {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
