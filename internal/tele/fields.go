package tele

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	MaxFields       = 8
	MaxRequestBytes = 512
)

// Fields is fixed capacity list of numeric values, field1..fieldN on the wire.
type Fields struct {
	v [MaxFields]float64
	n int
}

func NewFields(values ...float64) (Fields, error) {
	var f Fields
	if len(values) == 0 || len(values) > MaxFields {
		return f, errors.NotValidf("fields count=%d", len(values))
	}
	f.n = copy(f.v[:], values)
	return f, nil
}

func (f Fields) Len() int { return f.n }

func (f Fields) Values() []float64 { return f.v[:f.n] }

// Query encodes api_key=K&field1=V1... with six decimals.
// NaN and infinities are sent as zero.
func (f Fields) Query(apiKey string) string {
	var b strings.Builder
	b.WriteString("api_key=")
	b.WriteString(apiKey)
	for i, v := range f.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		b.WriteString("&field")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
	}
	return b.String()
}

// BuildRequest returns complete HTTP/1.1 GET request.
func BuildRequest(host, userAgent, query string) ([]byte, error) {
	var b strings.Builder
	b.Grow(MaxRequestBytes)
	b.WriteString("GET /update?")
	b.WriteString(query)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(host)
	b.WriteString("\r\nUser-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\nConnection: close\r\n\r\n")
	if b.Len() >= MaxRequestBytes {
		return nil, errors.NotValidf("request length=%d limit=%d", b.Len(), MaxRequestBytes)
	}
	return []byte(b.String()), nil
}
