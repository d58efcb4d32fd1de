package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/cetus-dns/cetus/internal/storage"
)

const maxTXTSectionLength = 255

// Server is the admin HTTP API for zone and record management. It is a plain
// client of Storage; the query pipeline never goes through it.
type Server struct {
	storage storage.Storage
	log     *zap.Logger
}

// New creates the admin API over the given storage.
func New(store storage.Storage, log *zap.Logger) *Server {
	return &Server{storage: store, log: log}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/zones", s.listZones)
	r.Put("/zones/{zone}", s.addZone)
	r.Get("/zones/{zone}", s.listDomains)
	r.Get("/zones/{zone}/{domain}", s.listRecords)
	r.Put("/zones/{zone}/{domain}/a", s.addA)
	r.Put("/zones/{zone}/{domain}/aaaa", s.addAAAA)
	r.Put("/zones/{zone}/{domain}/mx", s.addMX)
	r.Put("/zones/{zone}/{domain}/txt", s.addTXT)
	return r
}

type addZoneRequest struct {
	Mname       string       `json:"mname"`
	Rname       string       `json:"rname"`
	Serial      uint32       `json:"serial"`
	Refresh     uint32       `json:"refresh"`
	Retry       uint32       `json:"retry"`
	Expire      uint32       `json:"expire"`
	Minimum     uint32       `json:"minimum"`
	TTL         uint32       `json:"ttl"`
	Nameservers []nameserver `json:"nameservers"`
}

type nameserver struct {
	Name string `json:"name"`
	TTL  uint32 `json:"ttl"`
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.storage.Zones(r.Context())
	if err != nil {
		s.log.Error("failed to load zones", zap.Error(err))
		http.Error(w, "failed to load zones", http.StatusInternalServerError)
		return
	}
	if zones == nil {
		zones = []string{}
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) addZone(w http.ResponseWriter, r *http.Request) {
	zoneParam := chi.URLParam(r, "zone")
	if !dns.IsFqdn(zoneParam) {
		http.Error(w, "zone must be a fqdn", http.StatusBadRequest)
		return
	}
	zone := storage.CanonicalName(zoneParam)

	var body addZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	// Zone marker first, then SOA, then NS; records against a missing marker
	// get rejected by the backend.
	if err := s.storage.AddZone(r.Context(), zone); err != nil {
		if errors.Is(err, storage.ErrZoneExists) {
			http.Error(w, "zone already exists", http.StatusConflict)
			return
		}
		s.log.Error("failed to add zone", zap.String("zone", zone), zap.Error(err))
		http.Error(w, "failed to add zone", http.StatusInternalServerError)
		return
	}

	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: body.TTL},
		Ns:      storage.CanonicalName(body.Mname),
		Mbox:    storage.CanonicalName(body.Rname),
		Serial:  body.Serial,
		Refresh: body.Refresh,
		Retry:   body.Retry,
		Expire:  body.Expire,
		Minttl:  body.Minimum,
	}
	if err := s.storage.AddRecord(r.Context(), zone, zone, storage.NewRecord(soa)); err != nil {
		s.log.Error("failed to insert zone SOA", zap.String("zone", zone), zap.Error(err))
		http.Error(w, "failed to insert SOA", http.StatusInternalServerError)
		return
	}

	for _, ns := range body.Nameservers {
		record := &dns.NS{
			Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ns.TTL},
			Ns:  storage.CanonicalName(ns.Name),
		}
		if err := s.storage.AddRecord(r.Context(), zone, zone, storage.NewRecord(record)); err != nil {
			s.log.Error("failed to insert NS record", zap.String("zone", zone), zap.Error(err))
			http.Error(w, "failed to insert NS record", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	zone := storage.CanonicalName(chi.URLParam(r, "zone"))
	domains, err := s.storage.ListDomains(r.Context(), zone)
	if err != nil {
		if errors.Is(err, storage.ErrZoneNotFound) {
			http.Error(w, "zone not found", http.StatusNotFound)
			return
		}
		s.log.Error("failed to list domains", zap.String("zone", zone), zap.Error(err))
		http.Error(w, "failed to list domains", http.StatusInternalServerError)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	zone := storage.CanonicalName(chi.URLParam(r, "zone"))
	domain := storage.CanonicalName(chi.URLParam(r, "domain"))

	records, err := s.storage.ListRecords(r.Context(), zone, domain)
	if err != nil {
		if errors.Is(err, storage.ErrZoneNotFound) {
			http.Error(w, "zone not found", http.StatusNotFound)
			return
		}
		s.log.Error("failed to list records", zap.String("zone", zone), zap.Error(err))
		http.Error(w, "failed to list records", http.StatusInternalServerError)
		return
	}

	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.RR().String())
	}
	writeJSON(w, http.StatusOK, out)
}

type addARequest struct {
	Data string `json:"data"`
	TTL  uint32 `json:"ttl"`
}

func (s *Server) addA(w http.ResponseWriter, r *http.Request) {
	s.addAddressRecord(w, r, dns.TypeA)
}

func (s *Server) addAAAA(w http.ResponseWriter, r *http.Request) {
	s.addAddressRecord(w, r, dns.TypeAAAA)
}

func (s *Server) addAddressRecord(w http.ResponseWriter, r *http.Request, rtype uint16) {
	zone, domain, ok := s.recordTarget(w, r)
	if !ok {
		return
	}

	var body addARequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ip := net.ParseIP(body.Data)
	var rr dns.RR
	switch {
	case rtype == dns.TypeA && ip != nil && ip.To4() != nil:
		rr = &dns.A{
			Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: body.TTL},
			A:   ip.To4(),
		}
	case rtype == dns.TypeAAAA && ip != nil && ip.To4() == nil:
		rr = &dns.AAAA{
			Hdr:  dns.RR_Header{Name: domain, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: body.TTL},
			AAAA: ip,
		}
	default:
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}

	s.insertRecord(w, r, zone, domain, rr)
}

type addMXRequest struct {
	Preference uint16 `json:"preference"`
	Host       string `json:"host"`
	TTL        uint32 `json:"ttl"`
}

func (s *Server) addMX(w http.ResponseWriter, r *http.Request) {
	zone, domain, ok := s.recordTarget(w, r)
	if !ok {
		return
	}

	var body addMXRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !dns.IsFqdn(body.Host) {
		http.Error(w, "mx host must be a fqdn", http.StatusBadRequest)
		return
	}

	rr := &dns.MX{
		Hdr:        dns.RR_Header{Name: domain, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: body.TTL},
		Preference: body.Preference,
		Mx:         storage.CanonicalName(body.Host),
	}
	s.insertRecord(w, r, zone, domain, rr)
}

type addTXTRequest struct {
	Data []string `json:"data"`
	TTL  uint32   `json:"ttl"`
}

func (s *Server) addTXT(w http.ResponseWriter, r *http.Request) {
	zone, domain, ok := s.recordTarget(w, r)
	if !ok {
		return
	}

	var body addTXTRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	// Sections arrive hex encoded so arbitrary bytes survive the JSON trip.
	sections := make([]string, 0, len(body.Data))
	for _, section := range body.Data {
		if len(section) > maxTXTSectionLength*2 {
			http.Error(w, "TXT section length is limited to 255 bytes (510 hex characters)", http.StatusBadRequest)
			return
		}
		decoded, err := hex.DecodeString(section)
		if err != nil {
			http.Error(w, "TXT section must be valid hex", http.StatusBadRequest)
			return
		}
		sections = append(sections, string(decoded))
	}

	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: body.TTL},
		Txt: sections,
	}
	s.insertRecord(w, r, zone, domain, rr)
}

// recordTarget validates and canonicalizes the zone/domain path params.
func (s *Server) recordTarget(w http.ResponseWriter, r *http.Request) (zone, domain string, ok bool) {
	zoneParam := chi.URLParam(r, "zone")
	domainParam := chi.URLParam(r, "domain")
	if !dns.IsFqdn(zoneParam) {
		http.Error(w, "can only add records for fqdn zones", http.StatusBadRequest)
		return "", "", false
	}
	if !dns.IsFqdn(domainParam) {
		http.Error(w, "can only add records for fqdn domains", http.StatusBadRequest)
		return "", "", false
	}
	return storage.CanonicalName(zoneParam), storage.CanonicalName(domainParam), true
}

func (s *Server) insertRecord(w http.ResponseWriter, r *http.Request, zone, domain string, rr dns.RR) {
	err := s.storage.AddRecord(r.Context(), zone, domain, storage.NewRecord(rr))
	if err != nil {
		if errors.Is(err, storage.ErrZoneNotFound) {
			http.Error(w, "zone not found", http.StatusNotFound)
			return
		}
		s.log.Error("failed to insert record",
			zap.String("zone", zone),
			zap.String("domain", domain),
			zap.Error(err))
		http.Error(w, "failed to insert record", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
