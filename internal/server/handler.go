package server

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/cetus-dns/cetus/internal/authority"
	"github.com/cetus-dns/cetus/internal/geo"
	"github.com/cetus-dns/cetus/internal/metrics"
	"github.com/cetus-dns/cetus/internal/storage"
)

// Handler answers DNS queries for the zones in the authority snapshot. It
// implements dns.Handler.
type Handler struct {
	storage   storage.Storage
	authority *authority.Cache
	geo       geo.Locator
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewHandler wires the query pipeline.
func NewHandler(store storage.Storage, auth *authority.Cache, locator geo.Locator, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		storage:   store,
		authority: auth,
		geo:       locator,
		metrics:   m,
		log:       log,
	}
}

// ServeDNS classifies the request, locates the owning zone and composes the
// response. Rejections and failures are counted under the zone bucket when one
// is known, otherwise under UNKNOWN.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx := context.Background()

	if len(req.Question) == 0 {
		h.reject(w, req, metrics.UnknownZone, dns.RcodeFormatError)
		return
	}
	question := req.Question[0]

	// Answers and anything that is not a plain query are not served here.
	if req.Response {
		h.reject(w, req, metrics.UnknownZone, dns.RcodeNotImplemented)
		return
	}
	if req.Opcode != dns.OpcodeQuery {
		h.reject(w, req, metrics.UnknownZone, dns.RcodeNotImplemented)
		return
	}
	if question.Qclass != dns.ClassINET {
		h.reject(w, req, metrics.UnknownZone, dns.RcodeRefused)
		return
	}
	// No zone transfers.
	if question.Qtype == dns.TypeAXFR || question.Qtype == dns.TypeIXFR {
		h.reject(w, req, metrics.UnknownZone, dns.RcodeRefused)
		return
	}

	// Lookups use the canonical name; question.Name keeps the original casing
	// for the response.
	qname := storage.CanonicalName(question.Name)

	zone, ok := h.authority.Current().FindZone(qname)
	if !ok {
		h.countCountry(metrics.UnknownZone, w.RemoteAddr())
		h.reject(w, req, metrics.UnknownZone, dns.RcodeRefused)
		return
	}

	ipVersion, protocol, srcIP := connectionInfo(w.RemoteAddr())
	h.metrics.IncConnection(zone, ipVersion, protocol)
	h.metrics.IncQueryType(zone, question.Qtype)
	h.metrics.IncQueryClass(zone, question.Qclass)

	country, _, err := h.geo.LookupIP(srcIP)
	if err != nil {
		// A failing lookup points at a broken database file, which should be
		// surfaced, not papered over.
		h.log.Error("geo lookup failed", zap.String("ip", srcIP.String()), zap.Error(err))
		h.reject(w, req, zone, dns.RcodeServerFailure)
		return
	}
	if country != "" {
		h.metrics.IncCountry(zone, country)
	}

	soa, found, err := h.storage.LookupRecords(ctx, zone, zone, dns.TypeSOA)
	if err != nil {
		h.log.Error("soa lookup failed", zap.String("zone", zone), zap.Error(err))
		h.reject(w, req, zone, dns.RcodeServerFailure)
		return
	}
	if !found || len(soa) == 0 {
		// The snapshot says we own this zone but storage disagrees; either the
		// snapshot is stale or the zone is missing its apex records.
		h.log.Error("zone has no SOA", zap.String("zone", zone))
		h.reject(w, req, zone, dns.RcodeServerFailure)
		return
	}

	answers, found, err := h.storage.LookupRecords(ctx, qname, zone, question.Qtype)
	if err != nil {
		h.log.Error("record lookup failed",
			zap.String("zone", zone),
			zap.String("name", qname),
			zap.Error(err))
		h.reject(w, req, zone, dns.RcodeServerFailure)
		return
	}

	res := new(dns.Msg)
	res.SetReply(req)
	res.Authoritative = true

	switch {
	case !found:
		res.Rcode = dns.RcodeNameError
		for _, record := range soa {
			res.Ns = append(res.Ns, record.RR())
		}
	case len(answers) == 0:
		for _, record := range soa {
			res.Ns = append(res.Ns, record.RR())
		}
	default:
		for _, record := range answers {
			// Echo the query casing on every answer. The records are owned by
			// this invocation, so the mutation is safe.
			record.SetOwner(question.Name)
			res.Answer = append(res.Answer, record.RR())
		}
	}

	if opt := req.IsEdns0(); opt != nil {
		res.SetEdns0(opt.UDPSize(), opt.Do())
	}

	h.metrics.IncResponseCode(zone, res.Rcode)
	if err := w.WriteMsg(res); err != nil {
		h.log.Warn("failed to write response", zap.Error(err))
	}
}

// reject sends a minimal response with the given code. No answer records, no
// authority bit.
func (h *Handler) reject(w dns.ResponseWriter, req *dns.Msg, zone string, rcode int) {
	h.metrics.IncResponseCode(zone, rcode)

	res := new(dns.Msg)
	res.SetRcode(req, rcode)
	if err := w.WriteMsg(res); err != nil {
		h.log.Warn("failed to write response", zap.Error(err))
	}
}

// countCountry records the source country for queries outside every zone. The
// lookup only feeds metrics there, so failures are logged and skipped.
func (h *Handler) countCountry(zone string, addr net.Addr) {
	_, _, srcIP := connectionInfo(addr)
	country, _, err := h.geo.LookupIP(srcIP)
	if err != nil {
		h.log.Error("geo lookup failed for unknown-zone query", zap.Error(err))
		return
	}
	if country != "" {
		h.metrics.IncCountry(zone, country)
	}
}

// connectionInfo extracts the transport labels and source IP from a remote
// address.
func connectionInfo(addr net.Addr) (ipVersion, protocol string, ip net.IP) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		protocol = "UDP"
		ip = a.IP
	case *net.TCPAddr:
		protocol = "TCP"
		ip = a.IP
	default:
		protocol = "UDP"
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ip = net.ParseIP(host)
		}
	}

	ipVersion = "IPv6"
	if ip.To4() != nil {
		ipVersion = "IPv4"
	}
	return ipVersion, protocol, ip
}
