package dicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	preambleSize    = 128
	undefinedLength = 0xFFFFFFFF
)

var magic = []byte("DICM")

// File is a parsed DICOM file. Meta holds the group 0002 elements (minus
// the group length, which is recomputed on write). PixelDataOffset is the
// byte offset where the pixel data element begins, or -1 when the parser
// saw none; ParseHeader stops exactly there without reading pixel bytes.
type File struct {
	Meta            *Dataset
	Dataset         *Dataset
	TransferSyntax  string
	PixelDataOffset int64
}

// Parse decodes a complete file from memory.
func Parse(data []byte) (*File, error) {
	return parseStream(bufio.NewReader(bytes.NewReader(data)), false)
}

// ParseFile decodes a complete file from disk, pixel data included.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dicom: open %s: %w", path, err)
	}
	defer f.Close()
	parsed, err := parseStream(bufio.NewReaderSize(f, 1<<16), false)
	if err != nil {
		return nil, fmt.Errorf("dicom: parse %s: %w", path, err)
	}
	return parsed, nil
}

// ParseHeader decodes the file meta and every element ahead of PixelData,
// leaving the pixel bytes unread. Large files can be rewritten by emitting
// the returned header and then copying the input verbatim from
// PixelDataOffset.
func ParseHeader(r io.Reader) (*File, error) {
	return parseStream(bufio.NewReaderSize(r, 1<<16), true)
}

type parser struct {
	br  *bufio.Reader
	off int64
}

func parseStream(br *bufio.Reader, headerOnly bool) (*File, error) {
	p := &parser{br: br}

	pre, err := p.read(preambleSize + len(magic))
	if err != nil {
		return nil, fmt.Errorf("dicom: short preamble: %w", err)
	}
	if !bytes.Equal(pre[preambleSize:], magic) {
		return nil, errors.New("dicom: missing DICM magic")
	}

	meta := NewDataset()
	for {
		t, err := p.peekTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dicom: reading file meta: %w", err)
		}
		if t.Group() != 0x0002 {
			break
		}
		a, err := p.element(true)
		if err != nil {
			return nil, err
		}
		// Group length is recomputed when the file is rewritten.
		if a.Tag.Element() == 0x0000 {
			continue
		}
		meta.add(a)
	}

	ts := meta.StringValue(TagTransferSyntaxUID)
	if ts == "" {
		return nil, errors.New("dicom: file meta missing transfer syntax")
	}
	if ts == ExplicitVRBigEndian {
		return nil, fmt.Errorf("dicom: unsupported transfer syntax %s", ts)
	}
	explicit := ts != ImplicitVRLittleEndian

	f := &File{Meta: meta, Dataset: NewDataset(), TransferSyntax: ts, PixelDataOffset: -1}
	for {
		t, err := p.peekTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dicom: reading element tag: %w", err)
		}
		if t == TagPixelData && f.PixelDataOffset < 0 {
			f.PixelDataOffset = p.off
			if headerOnly {
				return f, nil
			}
		}
		a, err := p.element(explicit)
		if err != nil {
			return nil, err
		}
		f.Dataset.add(a)
	}
	return f, nil
}

func (p *parser) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.br, buf); err != nil {
		return nil, err
	}
	p.off += int64(n)
	return buf, nil
}

func (p *parser) uint16() (uint16, error) {
	b, err := p.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (p *parser) uint32() (uint32, error) {
	b, err := p.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// peekTag returns the next element tag without consuming it. io.EOF means
// the stream ended cleanly on an element boundary.
func (p *parser) peekTag() (Tag, error) {
	b, err := p.br.Peek(4)
	if err != nil {
		if err == io.EOF && len(b) == 0 {
			return 0, io.EOF
		}
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return MakeTag(binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4])), nil
}

func (p *parser) readTag() (Tag, error) {
	group, err := p.uint16()
	if err != nil {
		return 0, err
	}
	element, err := p.uint16()
	if err != nil {
		return 0, err
	}
	return MakeTag(group, element), nil
}

func (p *parser) element(explicit bool) (*Attribute, error) {
	t, err := p.readTag()
	if err != nil {
		return nil, fmt.Errorf("dicom: reading element tag: %w", err)
	}
	return p.elementAfterTag(t, explicit)
}

func (p *parser) elementAfterTag(t Tag, explicit bool) (*Attribute, error) {
	switch t {
	case TagItem, TagItemDelim, TagSequenceDelim:
		return nil, fmt.Errorf("dicom: unexpected %s outside a sequence", t)
	}

	var vr string
	var length uint32
	if explicit {
		vrb, err := p.read(2)
		if err != nil {
			return nil, fmt.Errorf("dicom: reading VR for %s: %w", t, err)
		}
		if !validVR(vrb) {
			return nil, fmt.Errorf("dicom: invalid VR %q for %s", vrb, t)
		}
		vr = string(vrb)
		if isLongVR(vr) {
			if _, err := p.read(2); err != nil {
				return nil, fmt.Errorf("dicom: reading reserved bytes for %s: %w", t, err)
			}
			if length, err = p.uint32(); err != nil {
				return nil, fmt.Errorf("dicom: reading length for %s: %w", t, err)
			}
		} else {
			l16, err := p.uint16()
			if err != nil {
				return nil, fmt.Errorf("dicom: reading length for %s: %w", t, err)
			}
			length = uint32(l16)
		}
	} else {
		l, err := p.uint32()
		if err != nil {
			return nil, fmt.Errorf("dicom: reading length for %s: %w", t, err)
		}
		length = l
		vr = DictVR(t)
	}

	if length == undefinedLength {
		if vr != "SQ" && vr != "UN" && vr != "OB" && vr != "OW" {
			return nil, fmt.Errorf("dicom: undefined length on VR %s for %s", vr, t)
		}
		content, err := p.sequenceContent(explicit)
		if err != nil {
			return nil, fmt.Errorf("dicom: sequence %s: %w", t, err)
		}
		return &Attribute{Tag: t, VR: vr, Value: content, Undefined: true}, nil
	}

	value, err := p.read(int(length))
	if err != nil {
		return nil, fmt.Errorf("dicom: value for %s (%d bytes): %w", t, length, err)
	}
	return &Attribute{Tag: t, VR: vr, Value: value}, nil
}

// sequenceContent consumes the item stream of an undefined-length element
// through its sequence delimiter, returning the bytes as encoded on disk so
// the writer can re-emit them verbatim.
func (p *parser) sequenceContent(explicit bool) ([]byte, error) {
	var buf bytes.Buffer
	for {
		t, err := p.readTag()
		if err != nil {
			return nil, fmt.Errorf("reading item tag: %w", err)
		}
		l, err := p.uint32()
		if err != nil {
			return nil, fmt.Errorf("reading item length: %w", err)
		}
		writeTagLen(&buf, t, l)
		switch t {
		case TagSequenceDelim:
			return buf.Bytes(), nil
		case TagItem:
			if l != undefinedLength {
				b, err := p.read(int(l))
				if err != nil {
					return nil, fmt.Errorf("item value (%d bytes): %w", l, err)
				}
				buf.Write(b)
				continue
			}
			if err := p.itemContent(&buf, explicit); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected tag %s in item stream", t)
		}
	}
}

// itemContent consumes the elements of an undefined-length item through its
// item delimiter, re-encoding each element exactly as read.
func (p *parser) itemContent(buf *bytes.Buffer, explicit bool) error {
	for {
		t, err := p.readTag()
		if err != nil {
			return fmt.Errorf("reading tag in item: %w", err)
		}
		if t == TagItemDelim {
			l, err := p.uint32()
			if err != nil {
				return fmt.Errorf("item delimiter length: %w", err)
			}
			writeTagLen(buf, t, l)
			return nil
		}
		a, err := p.elementAfterTag(t, explicit)
		if err != nil {
			return err
		}
		if err := encodeElementTo(buf, a, explicit); err != nil {
			return err
		}
	}
}
