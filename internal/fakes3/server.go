package fakes3

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const xmlNamespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// Object is one stored object.
type Object struct {
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
	ACL          string
}

type bucketState struct {
	created time.Time
	region  string
	objects map[string]*Object
}

// Server is an in-memory S3-compatible server. The zero value is not
// usable; construct with New.
type Server struct {
	accessKey string
	secretKey string
	region    string

	mu      sync.RWMutex
	buckets map[string]*bucketState
	forced  []int
}

// New returns a Server that accepts requests signed with the given
// credentials. Empty credentials disable signature verification.
func New(accessKey, secretKey string) *Server {
	return &Server{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    "us-east-1",
		buckets:   map[string]*bucketState{},
	}
}

// Handler returns the catch-all HTTP handler; bucket and key are parsed
// from the path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// ForceStatuses queues status codes to answer the next requests with,
// regardless of their content. Used to exercise client retry behavior.
func (s *Server) ForceStatuses(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, codes...)
}

func (s *Server) nextForced() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.forced) == 0 {
		return 0, false
	}
	code := s.forced[0]
	s.forced = s.forced[1:]
	return code, true
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("x-amz-request-id", uuid.NewString())

	if code, ok := s.nextForced(); ok {
		writeError(w, "InternalError", "injected failure", r.URL.Path, code)
		return
	}

	// Signing clients may join query arguments with ';', which
	// url.Values no longer accepts as a separator; parse by hand.
	query := parseQuery(r.URL.RawQuery)

	if s.accessKey != "" {
		if err := s.authorize(r, query); err != nil {
			var ae *authError
			if errors.As(err, &ae) {
				writeError(w, ae.code, ae.message, r.URL.Path, ae.status)
			} else {
				writeError(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			}
			return
		}
	}

	bucket, key := parseBucketAndKey(r.URL.Path)

	switch r.Method {
	case http.MethodPut:
		if bucket != "" && key == "" {
			s.handleCreateBucket(w, r, bucket)
			return
		}
		if bucket != "" && key != "" {
			if r.Header.Get("x-amz-copy-source") != "" {
				s.handleCopyObject(w, r, bucket, key)
				return
			}
			s.handlePutObject(w, r, bucket, key)
			return
		}
	case http.MethodGet:
		if bucket != "" && key == "" {
			if _, ok := query["location"]; ok {
				s.handleLocation(w, r, bucket)
				return
			}
			s.handleListObjects(w, r, bucket, query)
			return
		}
		if bucket != "" && key != "" {
			s.handleGetObject(w, r, bucket, key)
			return
		}
	case http.MethodHead:
		if bucket != "" && key == "" {
			s.handleHeadBucket(w, r, bucket)
			return
		}
		if bucket != "" && key != "" {
			s.handleHeadObject(w, r, bucket, key)
			return
		}
	case http.MethodDelete:
		if bucket != "" && key == "" {
			s.handleDeleteBucket(w, r, bucket)
			return
		}
		if bucket != "" && key != "" {
			s.handleDeleteObject(w, r, bucket, key)
			return
		}
	}

	writeError(w, "NotImplemented", "A header or query you provided requested a function that is not implemented.", r.URL.Path, http.StatusNotImplemented)
}

func parseBucketAndKey(path string) (bucket, key string) {
	clean := strings.TrimPrefix(path, "/")
	if clean == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(clean, "/")
	return bucket, key
}

// parseQuery splits a raw query on both '&' and ';'.
func parseQuery(rawQuery string) url.Values {
	values := url.Values{}
	for _, pair := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		k, v, _ := strings.Cut(pair, "=")
		ku, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		vu, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		values.Add(ku, vu)
	}
	return values
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	region := s.region
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		var cfg struct {
			XMLName            xml.Name `xml:"CreateBucketConfiguration"`
			LocationConstraint string   `xml:"LocationConstraint"`
		}
		if err := xml.Unmarshal(body, &cfg); err != nil {
			writeError(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
			return
		}
		if cfg.LocationConstraint != "" {
			region = cfg.LocationConstraint
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; ok {
		writeError(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}
	s.buckets[bucket] = &bucketState{created: time.Now().UTC(), region: region, objects: map[string]*Object{}}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		writeError(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if len(b.objects) > 0 {
		writeError(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}
	delete(s.buckets, bucket)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, _ *http.Request, bucket string) {
	s.mu.RLock()
	_, ok := s.buckets[bucket]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	sum := md5.Sum(data)
	obj := &Object{
		Data:         data,
		ContentType:  r.Header.Get("Content-Type"),
		Metadata:     metadataFromHeaders(r.Header),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
		ACL:          r.Header.Get("x-amz-acl"),
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}

	s.mu.Lock()
	s.ensureBucket(bucket).objects[key] = obj
	s.mu.Unlock()

	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	source, err := url.PathUnescape(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		writeError(w, "InvalidArgument", "Invalid copy source", r.URL.Path, http.StatusBadRequest)
		return
	}
	srcBucket, srcKey := parseBucketAndKey("/" + strings.TrimPrefix(source, "/"))

	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.buckets[srcBucket]
	if !ok {
		writeError(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	src, ok := sb.objects[srcKey]
	if !ok {
		writeError(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	dst := &Object{
		Data:         append([]byte(nil), src.Data...),
		ContentType:  src.ContentType,
		Metadata:     src.Metadata,
		ETag:         src.ETag,
		LastModified: time.Now().UTC(),
		ACL:          r.Header.Get("x-amz-acl"),
	}
	if strings.EqualFold(r.Header.Get("x-amz-metadata-directive"), "REPLACE") {
		dst.Metadata = metadataFromHeaders(r.Header)
		if ct := r.Header.Get("Content-Type"); ct != "" {
			dst.ContentType = ct
		}
	} else {
		dst.Metadata = copyMetadata(src.Metadata)
	}
	s.ensureBucket(bucket).objects[key] = dst

	type copyObjectResult struct {
		XMLName      xml.Name `xml:"CopyObjectResult"`
		XMLNS        string   `xml:"xmlns,attr"`
		ETag         string   `xml:"ETag"`
		LastModified string   `xml:"LastModified"`
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(copyObjectResult{
		XMLNS:        xmlNamespace,
		ETag:         `"` + dst.ETag + `"`,
		LastModified: dst.LastModified.Format(time.RFC3339),
	}); err != nil {
		slog.Error("encode copy result", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	s.mu.RLock()
	obj, ok := s.lookup(bucket, key)
	s.mu.RUnlock()
	if !ok {
		writeError(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		slog.Error("stream object", "bucket", bucket, "key", key, "err", err)
	}
}

func (s *Server) handleHeadObject(w http.ResponseWriter, _ *http.Request, bucket, key string) {
	s.mu.RLock()
	obj, ok := s.lookup(bucket, key)
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		writeError(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	if _, ok := b.objects[key]; !ok {
		writeError(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	delete(b.objects, key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, _ *http.Request, bucket string) {
	s.mu.RLock()
	region := s.region
	if b, ok := s.buckets[bucket]; ok && b.region != "" {
		region = b.region
	}
	s.mu.RUnlock()

	type locationConstraint struct {
		XMLName xml.Name `xml:"LocationConstraint"`
		XMLNS   string   `xml:"xmlns,attr"`
		Value   string   `xml:",chardata"`
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(locationConstraint{XMLNS: xmlNamespace, Value: region})
}

// objectSummary is a single entry in a ListBucketResult.
type objectSummary struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// listBucketResult is the XML response for the ListObjects API.
type listBucketResult struct {
	XMLName        xml.Name        `xml:"ListBucketResult"`
	XMLNS          string          `xml:"xmlns,attr"`
	Name           string          `xml:"Name"`
	Prefix         string          `xml:"Prefix"`
	Marker         string          `xml:"Marker"`
	NextMarker     string          `xml:"NextMarker,omitempty"`
	MaxKeys        int             `xml:"MaxKeys"`
	Delimiter      string          `xml:"Delimiter,omitempty"`
	IsTruncated    bool            `xml:"IsTruncated"`
	Contents       []objectSummary `xml:"Contents"`
	CommonPrefixes []commonPrefix  `xml:"CommonPrefixes"`
}

// handleListObjects implements marker-paginated listing over the bucket's
// lexicographically ordered keys, with prefix filtering and delimiter
// roll-up.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string, query url.Values) {
	prefix := query.Get("prefix")
	marker := query.Get("marker")
	delimiter := query.Get("delimiter")
	maxKeys := 1000
	if raw := query.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxKeys = v
		}
	}

	s.mu.RLock()
	b, ok := s.buckets[bucket]
	if !ok {
		s.mu.RUnlock()
		writeError(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		contents    []objectSummary
		prefixes    []commonPrefix
		seen        = map[string]bool{}
		count       int
		isTruncated bool
		lastItem    string
	)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if marker != "" && k <= marker {
			continue
		}
		if delimiter != "" {
			rest := k[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if seen[cp] {
					continue
				}
				if count >= maxKeys {
					isTruncated = true
					break
				}
				seen[cp] = true
				prefixes = append(prefixes, commonPrefix{Prefix: cp})
				lastItem = cp
				count++
				continue
			}
		}
		if count >= maxKeys {
			isTruncated = true
			break
		}
		obj := b.objects[k]
		contents = append(contents, objectSummary{
			Key:          k,
			LastModified: obj.LastModified.Format(time.RFC3339),
			ETag:         `"` + obj.ETag + `"`,
			Size:         int64(len(obj.Data)),
			StorageClass: "STANDARD",
		})
		lastItem = k
		count++
	}
	s.mu.RUnlock()

	resp := listBucketResult{
		XMLNS:          xmlNamespace,
		Name:           bucket,
		Prefix:         prefix,
		Marker:         marker,
		MaxKeys:        maxKeys,
		Delimiter:      delimiter,
		IsTruncated:    isTruncated,
		Contents:       contents,
		CommonPrefixes: prefixes,
	}
	if isTruncated {
		resp.NextMarker = lastItem
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode list objects xml", "bucket", bucket, "err", err)
	}
}

// lookup must be called with the mutex held.
func (s *Server) lookup(bucket, key string) (*Object, bool) {
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, false
	}
	obj, ok := b.objects[key]
	return obj, ok
}

// ensureBucket must be called with the mutex held. Buckets are auto-created
// on first object write for convenience.
func (s *Server) ensureBucket(name string) *bucketState {
	b, ok := s.buckets[name]
	if !ok {
		b = &bucketState{created: time.Now().UTC(), region: s.region, objects: map[string]*Object{}}
		s.buckets[name] = b
	}
	return b
}

func writeObjectHeaders(w http.ResponseWriter, obj *Object) {
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Last-Modified", obj.LastModified.Format(http.TimeFormat))
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.Header().Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
}

func metadataFromHeaders(h http.Header) map[string]string {
	meta := map[string]string{}
	for name, values := range h {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-meta-") {
			continue
		}
		meta[lower[len("x-amz-meta-"):]] = strings.Join(values, ",")
	}
	return meta
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeError writes a minimal S3-style XML error response.
func writeError(w http.ResponseWriter, code, message, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	type s3Error struct {
		XMLName  xml.Name `xml:"Error"`
		Code     string   `xml:"Code"`
		Message  string   `xml:"Message"`
		Resource string   `xml:"Resource"`
	}
	_ = xml.NewEncoder(w).Encode(s3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}
