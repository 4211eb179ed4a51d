package serializer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Snapshot is a point-in-time copy of a response, as stored in the cache.
type Snapshot struct {
	StatusCode int         `msgpack:"status" cbor:"status"`
	Header     http.Header `msgpack:"header" cbor:"header"`
	Body       []byte      `msgpack:"body" cbor:"body"`
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time `msgpack:"stored_at" cbor:"stored_at"`
}

// TakeSnapshot reads the response body into a snapshot.
// When it returns, the response body is rewound so the response can still be sent to a client.
func TakeSnapshot(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return snap, fmt.Errorf("read response body: %w", err)
		}
		snap.Body = body
	}
	res.Body = io.NopCloser(bytes.NewReader(snap.Body))
	res.ContentLength = int64(len(snap.Body))
	return snap, nil
}

// Response creates a new response from the snapshot.
// Every call returns an independent response with its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Header = s.Header.Clone()
	if s.Body != nil {
		c.Body = append([]byte(nil), s.Body...)
	}
	return c
}

// OK reports whether the snapshot holds a successful (2xx) response.
func (s Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}
