package relay

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DestinationSpec is the configured form of a destination.
type DestinationSpec struct {
	ID    string
	Token string
}

// Directory is the immutable allowlist of destinations. Reloads build a new one.
type Directory struct {
	base string
	byID map[string]Destination
}

// NewDirectory resolves each destination URL as baseURL + escaped id.
func NewDirectory(baseURL string, specs []DestinationSpec) *Directory {
	d := &Directory{base: strings.TrimSpace(baseURL), byID: make(map[string]Destination, len(specs))}
	for _, s := range specs {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			continue
		}
		d.byID[id] = Destination{ID: id, URL: d.base + url.PathEscape(id), Token: s.Token}
	}
	return d
}

// Lookup returns ErrUnknownDestination for ids outside the allowlist.
func (d *Directory) Lookup(id string) (Destination, error) {
	id = strings.TrimSpace(id)
	if d != nil {
		if dst, ok := d.byID[id]; ok {
			return dst, nil
		}
	}
	return Destination{}, fmt.Errorf("%w: %q", ErrUnknownDestination, id)
}

// IDs returns the allowed destination ids, sorted.
func (d *Directory) IDs() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.byID))
	for id := range d.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
