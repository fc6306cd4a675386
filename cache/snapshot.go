package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// encMode is the CBOR encoder used for snapshot records, configured with
// deterministic encoding so identical snapshots produce identical bytes
var encMode cbor.EncMode

// decMode is the CBOR decoder for snapshot records
// Unknown fields are ignored so old snapshots stay readable
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// Snapshot represents a stored response
// Snapshots are immutable once stored, an update replaces the entry
type Snapshot struct {
	Key      string
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// snapshotRecord is the on disk layout of a snapshot
// The body is stored gzip compressed
type snapshotRecord struct {
	Key      string              `cbor:"key"`
	Method   string              `cbor:"method"`
	URL      string              `cbor:"url"`
	Status   int                 `cbor:"status"`
	Header   map[string][]string `cbor:"header"`
	GzipBody []byte              `cbor:"gzip_body"`
	StoredAt int64               `cbor:"stored_at"`
}

// Clone returns a deep copy of the snapshot
// The strategies persist clones so the caller owns the returned snapshot
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Key:      s.Key,
		Method:   s.Method,
		URL:      s.URL,
		Status:   s.Status,
		Header:   make(http.Header, len(s.Header)),
		Body:     append([]byte(nil), s.Body...),
		StoredAt: s.StoredAt,
	}
	for name, values := range s.Header {
		c.Header[name] = append([]string(nil), values...)
	}

	return c
}

// Encode serializes the snapshot to its on disk representation
func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(s.Body); err != nil {
		return nil, errors.Wrap(err, "failed to compress snapshot body")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress snapshot body")
	}

	rec := snapshotRecord{
		Key:      s.Key,
		Method:   s.Method,
		URL:      s.URL,
		Status:   s.Status,
		Header:   s.Header,
		GzipBody: buf.Bytes(),
		StoredAt: s.StoredAt.Unix(),
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode snapshot record")
	}

	return data, nil
}

// DecodeSnapshot deserializes a snapshot from its on disk representation
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	rec := snapshotRecord{}
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot record")
	}

	zr, err := gzip.NewReader(bytes.NewReader(rec.GzipBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress snapshot body")
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress snapshot body")
	}
	if err := zr.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to decompress snapshot body")
	}

	return &Snapshot{
		Key:      rec.Key,
		Method:   rec.Method,
		URL:      rec.URL,
		Status:   rec.Status,
		Header:   rec.Header,
		Body:     body,
		StoredAt: time.Unix(rec.StoredAt, 0),
	}, nil
}
