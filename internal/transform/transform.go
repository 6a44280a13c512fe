// Package transform is the boundary between raw content and the pipeline.
//
// Text cleaning and entity extraction live outside this module; they plug
// in through Normalizer and Extractor. Both must be pure: the same input
// yields the same output and the input payload is never modified.
package transform

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// Normalizer cleans a payload before change detection.
type Normalizer interface {
	Normalize(contentType string, p ir.Payload) (ir.Payload, error)
}

// Extractor derives additional fields (entities, relationships) from a
// normalized payload and returns the enriched payload.
type Extractor interface {
	Extract(contentType string, p ir.Payload) (ir.Payload, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(contentType string, p ir.Payload) (ir.Payload, error)

// Normalize implements Normalizer.
func (f NormalizerFunc) Normalize(contentType string, p ir.Payload) (ir.Payload, error) {
	return f(contentType, p)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(contentType string, p ir.Payload) (ir.Payload, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(contentType string, p ir.Payload) (ir.Payload, error) {
	return f(contentType, p)
}

// NFCNormalizer converts every string to Unicode NFC and trims surrounding
// whitespace. Object fields whose string value becomes empty are dropped;
// array elements are kept.
type NFCNormalizer struct{}

// Normalize implements Normalizer.
func (NFCNormalizer) Normalize(_ string, p ir.Payload) (ir.Payload, error) {
	return normalizeObject(p), nil
}

func normalizeObject(obj ir.Object) ir.Object {
	if obj == nil {
		return nil
	}
	out := make(ir.Object, len(obj))
	for k, v := range obj {
		nv := normalizeValue(v)
		if s, ok := nv.(ir.String); ok && s == "" {
			continue
		}
		out[norm.NFC.String(k)] = nv
	}
	return out
}

func normalizeValue(v ir.Value) ir.Value {
	switch t := v.(type) {
	case ir.String:
		return ir.String(strings.TrimSpace(norm.NFC.String(string(t))))
	case ir.Array:
		out := make(ir.Array, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case ir.Object:
		return normalizeObject(t)
	default:
		return v
	}
}

// NopExtractor returns the payload unchanged.
type NopExtractor struct{}

// Extract implements Extractor.
func (NopExtractor) Extract(_ string, p ir.Payload) (ir.Payload, error) {
	return p, nil
}

var (
	_ Normalizer = NFCNormalizer{}
	_ Extractor  = NopExtractor{}
)
