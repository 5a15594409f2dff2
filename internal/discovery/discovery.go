// Package discovery implements the LAN mDNS peer-discovery adjunct
// described in SPEC_FULL.md §B: peers on the same network segment
// advertise and browse for documentId interest directly, without a
// round-trip through the SignalServer. It supplements spec.md §4.6; the
// SignalServer remains the default/required introduction path.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
)

// ServiceName is the mDNS service type this process advertises and browses
// under, namespacing cevitxe peers from unrelated mDNS traffic on the LAN.
const ServiceName = "_cevitxe._tcp"

// PeerFound is reported for every discovered peer advertising interest
// overlapping a documentId this process cares about.
type PeerFound struct {
	Instance    string
	Host        string
	Port        int
	DocumentIDs []string
}

// Advertiser registers this process's presence and keeps the mDNS TXT
// record current as its interest set changes.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a service instance for peerId on port, advertising
// interest in documentIds via a TXT record (SPEC_FULL.md §B). peerId
// should match the id this process presents to the SignalServer so a peer
// discovered via mDNS can be correlated with one discovered via signaling.
func Advertise(peerId string, port int, documentIds []string) (*Advertiser, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", host, peerId)
	if !validDNSLabel(instance) {
		return nil, fmt.Errorf("discovery: %q is not a valid DNS label", instance)
	}
	server, err := zeroconf.Register(instance, ServiceName, "local.", port, encodeTXT(documentIds), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	glog.V(2).Infof("discovery: advertising %s on port %d for %v", instance, port, documentIds)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Browse searches the LAN for cevitxe peers for timeout, reporting each
// one whose advertised documentIds intersect interested. It returns once
// timeout elapses or ctx is canceled.
func Browse(ctx context.Context, timeout time.Duration, interested []string) ([]PeerFound, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: new resolver: %w", err)
	}

	want := make(map[string]bool, len(interested))
	for _, id := range interested {
		want[id] = true
	}

	var found []PeerFound
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			ids := decodeTXT(entry.Text)
			if !anyInterestOverlaps(want, ids) {
				continue
			}
			host := ""
			if len(entry.AddrIPv4) > 0 {
				host = entry.AddrIPv4[0].String()
			}
			found = append(found, PeerFound{
				Instance:    entry.Instance,
				Host:        host,
				Port:        entry.Port,
				DocumentIDs: ids,
			})
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, ServiceName, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-browseCtx.Done()
	<-done
	return found, nil
}

func anyInterestOverlaps(want map[string]bool, ids []string) bool {
	for _, id := range ids {
		if want[id] {
			return true
		}
	}
	return false
}

// encodeTXT packs documentIds into mDNS TXT strings, each within the
// 255-byte-per-string limit the DNS TXT record format (RFC 1035) imposes;
// the limit is kept by the max constant below.
func encodeTXT(documentIds []string) []string {
	const max = 250 // leave room for the "docs=" prefix
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, "docs="+cur.String())
			cur.Reset()
		}
	}
	for _, id := range documentIds {
		if cur.Len()+len(id)+1 > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(',')
		}
		cur.WriteString(id)
	}
	flush()
	if len(out) == 0 {
		out = []string{"docs="}
	}
	return out
}

func decodeTXT(txt []string) []string {
	var ids []string
	for _, entry := range txt {
		if !strings.HasPrefix(entry, "docs=") {
			continue
		}
		rest := strings.TrimPrefix(entry, "docs=")
		if rest == "" {
			continue
		}
		ids = append(ids, strings.Split(rest, ",")...)
	}
	return ids
}

// validDNSLabel reports whether instance is a well-formed DNS label,
// guarding Advertise's generated instance name before handing it to
// zeroconf (which otherwise fails opaquely on malformed input).
func validDNSLabel(instance string) bool {
	_, ok := dns.IsDomainName(instance)
	return ok
}
