// Package scanner recognizes barcodes from a live camera stream or from
// still images, and reports the first recognized code once per session.
package scanner

import (
	"fmt"
	"strings"
)

// Format is a barcode symbology.
type Format string

// Symbologies, named as in ZXing.
const (
	Code93          Format = "CODE_93"
	Code128         Format = "CODE_128"
	Code39          Format = "CODE_39"
	Codabar         Format = "CODABAR"
	Code11          Format = "CODE_11"
	EAN13           Format = "EAN_13"
	EAN8            Format = "EAN_8"
	UPCA            Format = "UPC_A"
	UPCE            Format = "UPC_E"
	UPCEANExtension Format = "UPC_EAN_EXTENSION"
	QRCode          Format = "QR_CODE"
	DataMatrix      Format = "DATA_MATRIX"
	PDF417          Format = "PDF_417"
	Aztec           Format = "AZTEC"
	ITF             Format = "ITF"
	RSS14           Format = "RSS_14"
	RSSExpanded     Format = "RSS_EXPANDED"
)

// preference is the order in which symbologies are requested. Code 93 is
// what the warehouse labels use and comes first.
var preference = []Format{
	Code93,
	Code128,
	Code39,
	Codabar,
	Code11,
	EAN13,
	EAN8,
	UPCA,
	UPCE,
	UPCEANExtension,
	QRCode,
	DataMatrix,
	PDF417,
	Aztec,
	ITF,
	RSS14,
	RSSExpanded,
}

// ParseFormat returns the Format for name, accepting the canonical names in
// any case and with "-" for "_".
func ParseFormat(name string) (Format, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for _, f := range preference {
		if string(f) == n {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown barcode format %q", name)
}

// DesiredFormats returns the formats to scan for, in preference order. If
// restrict is set, only that format is returned.
func DesiredFormats(restrict Format) []Format {
	if restrict != "" {
		return []Format{restrict}
	}
	return append([]Format(nil), preference...)
}

// Intersect returns the formats of want that are in have, in the order of
// want.
func Intersect(want, have []Format) []Format {
	r := []Format{}
	for _, f := range want {
		if containsFormat(have, f) {
			r = append(r, f)
		}
	}
	return r
}

func containsFormat(l []Format, f Format) bool {
	for _, x := range l {
		if x == f {
			return true
		}
	}
	return false
}
