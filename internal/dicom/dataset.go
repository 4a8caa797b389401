package dicom

import (
	"sort"
	"strings"
)

// Attribute is one data element. Value holds the raw bytes exactly as
// encoded on disk. For undefined-length elements (sequences, encapsulated
// pixel data) Undefined is set and Value holds the item stream including
// the closing sequence delimiter, re-emitted verbatim on write.
type Attribute struct {
	Tag       Tag
	VR        string
	Value     []byte
	Undefined bool
}

// StringValue returns the value as a string with trailing padding
// (space or NUL) removed.
func (a *Attribute) StringValue() string {
	return strings.TrimRight(string(a.Value), " \x00")
}

// Dataset is an ordered collection of attributes. Parsed files keep their
// element order (ascending by tag in any conformant file); Set inserts new
// attributes at the ascending-tag position.
type Dataset struct {
	attrs []*Attribute
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset { return &Dataset{} }

// Len returns the number of attributes.
func (d *Dataset) Len() int { return len(d.attrs) }

// Attributes returns the attributes in dataset order.
func (d *Dataset) Attributes() []*Attribute { return d.attrs }

// Get returns the attribute for a tag.
func (d *Dataset) Get(t Tag) (*Attribute, bool) {
	i := d.search(t)
	if i < len(d.attrs) && d.attrs[i].Tag == t {
		return d.attrs[i], true
	}
	return nil, false
}

// StringValue returns the trimmed string value for a tag, or "" when the
// tag is absent.
func (d *Dataset) StringValue(t Tag) string {
	if a, ok := d.Get(t); ok {
		return a.StringValue()
	}
	return ""
}

// Set inserts or replaces an attribute, keeping ascending tag order.
func (d *Dataset) Set(a *Attribute) {
	i := d.search(a.Tag)
	if i < len(d.attrs) && d.attrs[i].Tag == a.Tag {
		d.attrs[i] = a
		return
	}
	d.attrs = append(d.attrs, nil)
	copy(d.attrs[i+1:], d.attrs[i:])
	d.attrs[i] = a
}

// SetString sets a tag to a string value. An empty vr falls back to the
// dictionary VR (UN for unknown tags).
func (d *Dataset) SetString(t Tag, vr, value string) {
	if vr == "" {
		vr = DictVR(t)
	}
	d.Set(&Attribute{Tag: t, VR: vr, Value: []byte(value)})
}

// Remove deletes a tag and reports whether it was present.
func (d *Dataset) Remove(t Tag) bool {
	i := d.search(t)
	if i >= len(d.attrs) || d.attrs[i].Tag != t {
		return false
	}
	d.attrs = append(d.attrs[:i], d.attrs[i+1:]...)
	return true
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{attrs: make([]*Attribute, len(d.attrs))}
	for i, a := range d.attrs {
		v := make([]byte, len(a.Value))
		copy(v, a.Value)
		out.attrs[i] = &Attribute{Tag: a.Tag, VR: a.VR, Value: v, Undefined: a.Undefined}
	}
	return out
}

// add appends without reordering; the parser uses it to preserve file order.
func (d *Dataset) add(a *Attribute) {
	d.attrs = append(d.attrs, a)
}

func (d *Dataset) search(t Tag) int {
	return sort.Search(len(d.attrs), func(i int) bool { return d.attrs[i].Tag >= t })
}
