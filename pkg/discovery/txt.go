package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXT record keys, taken from the CoRE link attributes.
const (
	// TXTKeyResourceType is the resource type of the endpoint ("rt").
	TXTKeyResourceType = "rt"

	// TXTKeyInterface is the interface description ("if").
	TXTKeyInterface = "if"
)

// maxTXTRecordLength is the DNS limit for one character-string.
const maxTXTRecordLength = 255

// TXT describes the endpoint in its DNS-SD TXT record.
type TXT struct {
	// ResourceType is advertised as rt=. Optional.
	ResourceType string

	// Interface is advertised as if=. Optional.
	Interface string

	// Extra holds further key=value attributes.
	Extra map[string]string
}

// Encode converts the TXT record to DNS-SD format strings. Extra
// attributes follow rt and if in key order.
func (t TXT) Encode() []string {
	var txt []string
	if t.ResourceType != "" {
		txt = append(txt, TXTKeyResourceType+"="+t.ResourceType)
	}
	if t.Interface != "" {
		txt = append(txt, TXTKeyInterface+"="+t.Interface)
	}

	keys := make([]string, 0, len(t.Extra))
	for k := range t.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, k+"="+t.Extra[k])
	}
	return txt
}

// Validate checks that every record fits a DNS character-string and that
// keys are well formed.
func (t TXT) Validate() error {
	for k := range t.Extra {
		if k == "" || strings.ContainsRune(k, '=') {
			return fmt.Errorf("%w: bad key %q", ErrInvalidTXTRecord, k)
		}
	}
	for _, record := range t.Encode() {
		if len(record) > maxTXTRecordLength {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTXTRecord, record[:16], maxTXTRecordLength)
		}
	}
	return nil
}

// ParseTXT parses raw TXT record strings. Records without '=' are ignored.
func ParseTXT(records []string) TXT {
	var t TXT
	for _, record := range records {
		idx := strings.IndexByte(record, '=')
		if idx <= 0 {
			continue
		}
		key, value := record[:idx], record[idx+1:]
		switch key {
		case TXTKeyResourceType:
			t.ResourceType = value
		case TXTKeyInterface:
			t.Interface = value
		default:
			if t.Extra == nil {
				t.Extra = make(map[string]string)
			}
			t.Extra[key] = value
		}
	}
	return t
}
