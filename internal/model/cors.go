package model

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSPolicy is the set of cross-origin headers attached to relay responses.
type CORSPolicy struct {
	AllowOrigin  string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int // seconds; 0 omits Access-Control-Max-Age
}

// Apply sets the policy headers on h, replacing any existing values.
func (p *CORSPolicy) Apply(h http.Header) {
	h.Set("Access-Control-Allow-Origin", p.AllowOrigin)
	if len(p.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowMethods, ", "))
	}
	if len(p.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowHeaders, ", "))
	}
	if p.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(p.MaxAge))
	}
}
