package service

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"edge-relays/internal/config"
	"edge-relays/internal/metrics"
	"edge-relays/internal/model"
	"edge-relays/internal/storage"
)

// ObjectMethods are the request methods the object relay answers.
var ObjectMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// ObjectHeaders are the request headers browsers may send cross-origin.
var ObjectHeaders = []string{"Content-Type", "Range"}

// ObjectRelay serves objects from a store by key.
type ObjectRelay struct {
	store   storage.Store
	cors    *model.CORSPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewObjectCORS builds the cross-origin policy of the object relay.
func NewObjectCORS(cfg *config.Config) *model.CORSPolicy {
	return &model.CORSPolicy{
		AllowOrigin:  cfg.CORS.AllowOrigin,
		AllowMethods: ObjectMethods,
		AllowHeaders: ObjectHeaders,
		MaxAge:       cfg.CORS.MaxAgeSeconds,
	}
}

// NewObjectRelay creates an ObjectRelay. The metrics parameter is optional.
func NewObjectRelay(store storage.Store, cors *model.CORSPolicy, logger *slog.Logger, m *metrics.Metrics) *ObjectRelay {
	return &ObjectRelay{
		store:   store,
		cors:    cors,
		logger:  logger.With("component", "object_relay"),
		metrics: m,
	}
}

// Serve answers a single request. Every response carries the CORS policy
// headers. A non-nil response Body must be closed by the caller.
func (r *ObjectRelay) Serve(req *model.ProxyRequest) *model.ProxyResponse {
	resp := r.serve(req)
	r.cors.Apply(resp.Header)
	return resp
}

func (r *ObjectRelay) serve(req *model.ProxyRequest) *model.ProxyResponse {
	switch req.Method {
	case http.MethodOptions:
		return &model.ProxyResponse{StatusCode: http.StatusNoContent, Header: make(http.Header)}
	case http.MethodGet, http.MethodHead:
	default:
		resp := textResponse(http.StatusMethodNotAllowed, "Method Not Allowed")
		resp.Header.Set("Allow", strings.Join(ObjectMethods, ", "))
		return resp
	}

	key, err := ObjectKey(req.Path)
	if err != nil {
		return textResponse(http.StatusBadRequest, "Invalid object key")
	}
	if key == "" {
		return textResponse(http.StatusNotFound, "File not found")
	}

	rng := storage.ParseRange(req.Header.Get("Range"))
	cond := storage.ConditionsFromHeader(req.Header)

	obj, err := r.store.Get(req.Ctx, key, rng, cond)
	if err != nil {
		return r.storeError(key, err)
	}

	if !obj.HasBody() {
		r.lookup("not_modified")
		h := make(http.Header)
		if obj.ETag != "" {
			h.Set("ETag", obj.HTTPETag())
		}
		return &model.ProxyResponse{StatusCode: http.StatusNotModified, Header: h}
	}

	r.lookup("hit")

	h := make(http.Header)
	obj.WriteMetadata(h)
	if obj.ETag != "" {
		h.Set("ETag", obj.HTTPETag())
	}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(obj.ContentLength(), 10))

	status := http.StatusOK
	if obj.Ranged {
		status = http.StatusPartialContent
		h.Set("Content-Range", obj.Range.ContentRange(obj.Size))
	}

	return &model.ProxyResponse{
		StatusCode: status,
		Header:     h,
		Body:       r.countBytes(obj.Body),
	}
}

func (r *ObjectRelay) storeError(key string, err error) *model.ProxyResponse {
	if errors.Is(err, storage.ErrNotFound) {
		r.lookup("miss")
		return textResponse(http.StatusNotFound, "Object Not Found")
	}

	var re *storage.RangeError
	if errors.As(err, &re) {
		r.lookup("range_not_satisfiable")
		resp := textResponse(http.StatusRequestedRangeNotSatisfiable, "Range Not Satisfiable")
		resp.Header.Set("Content-Range", "bytes */"+strconv.FormatInt(re.Size, 10))
		return resp
	}

	r.lookup("error")
	r.logger.Error("store lookup failed", "key", key, "err", err)
	return textResponse(http.StatusInternalServerError, err.Error())
}

func (r *ObjectRelay) lookup(result string) {
	if r.metrics != nil {
		r.metrics.StoreLookups.WithLabelValues(result).Inc()
	}
}

func (r *ObjectRelay) countBytes(body io.ReadCloser) io.ReadCloser {
	if r.metrics == nil {
		return body
	}
	return &countingBody{ReadCloser: body, counter: r.metrics.BytesServed}
}

// ObjectKey derives the object key from an escaped request path: the path
// without its leading slash, percent-decoded.
func ObjectKey(escapedPath string) (string, error) {
	return url.PathUnescape(strings.TrimPrefix(escapedPath, "/"))
}

func textResponse(status int, msg string) *model.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(msg)))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(msg)),
	}
}

type byteCounter interface {
	Add(float64)
}

type countingBody struct {
	io.ReadCloser
	counter byteCounter
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.counter.Add(float64(n))
	}
	return n, err
}
