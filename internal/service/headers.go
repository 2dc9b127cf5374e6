package service

import (
	"net"
	"net/http"
	"strings"

	"api-gateway/internal/model"
)

// TimeoutHeader lets a caller request a shorter or longer total timeout. It is
// consumed by the gateway and never forwarded.
const TimeoutHeader = "X-Gateway-Timeout"

// outboundHeader copies the inbound headers for the upstream hop.
func outboundHeader(in http.Header, remoteAddr, proto, host string) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	model.StripHopByHop(h)
	h.Del(TimeoutHeader)
	h.Del("Host")

	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if h.Get("X-Forwarded-Proto") == "" && proto != "" {
		h.Set("X-Forwarded-Proto", proto)
	}
	if h.Get("X-Forwarded-Host") == "" && host != "" {
		h.Set("X-Forwarded-Host", host)
	}

	// Keep net/http from adding its own User-Agent.
	if _, ok := h["User-Agent"]; !ok {
		h["User-Agent"] = []string{""}
	}
	return h
}

// responseHeader strips hop-by-hop headers from an upstream response in place.
func responseHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	model.StripHopByHop(h)
	return h
}
