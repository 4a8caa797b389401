package dicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Implementation identity stamped into regenerated file meta.
const (
	implementationClassUID    = "2.25.30989287673423984259601129734290510239"
	implementationVersionName = "RADGATE_1.0"
)

// Write emits a complete file: 128-byte zero preamble, DICM magic, a
// regenerated file meta group, then every dataset element in container
// order. Group 0002 attributes and group-length elements in ds are skipped;
// the meta group is always rebuilt from the dataset's own SOP identity so a
// rewritten header can never disagree with its contents.
func Write(w io.Writer, ds *Dataset, transferSyntax string) error {
	if transferSyntax == "" {
		return errors.New("dicom: transfer syntax required")
	}
	if transferSyntax == ExplicitVRBigEndian {
		return fmt.Errorf("dicom: unsupported transfer syntax %s", transferSyntax)
	}
	explicit := transferSyntax != ImplicitVRLittleEndian

	bw := bufio.NewWriterSize(w, 1<<16)
	if _, err := bw.Write(make([]byte, preambleSize)); err != nil {
		return err
	}
	if _, err := bw.Write(magic); err != nil {
		return err
	}
	meta, err := buildMeta(ds, transferSyntax)
	if err != nil {
		return err
	}
	if _, err := bw.Write(meta); err != nil {
		return err
	}
	for _, a := range ds.Attributes() {
		if a.Tag.Group() == 0x0002 || a.Tag.Element() == 0x0000 {
			continue
		}
		if err := encodeElementTo(bw, a, explicit); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Encode renders a complete file into memory.
func Encode(ds *Dataset, transferSyntax string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, ds, transferSyntax); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildMeta regenerates the group 0002 elements. The group length
// (0002,0000) is computed over the encoded elements that follow it.
func buildMeta(ds *Dataset, transferSyntax string) ([]byte, error) {
	meta := NewDataset()
	meta.Set(&Attribute{Tag: TagFileMetaVersion, VR: "OB", Value: []byte{0x00, 0x01}})
	meta.SetString(TagMediaStorageSOPClassUID, "UI", ds.StringValue(TagSOPClassUID))
	meta.SetString(TagMediaStorageSOPInstanceUID, "UI", ds.StringValue(TagSOPInstanceUID))
	meta.SetString(TagTransferSyntaxUID, "UI", transferSyntax)
	meta.SetString(TagImplementationClassUID, "UI", implementationClassUID)
	meta.SetString(TagImplementationVersionName, "SH", implementationVersionName)

	var body bytes.Buffer
	for _, a := range meta.Attributes() {
		if err := encodeElementTo(&body, a, true); err != nil {
			return nil, err
		}
	}
	var out bytes.Buffer
	groupLen := &Attribute{Tag: TagFileMetaGroupLength, VR: "UL", Value: le32(uint32(body.Len()))}
	if err := encodeElementTo(&out, groupLen, true); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// encodeElementTo writes one element. The value is written directly from
// the attribute's backing slice; odd-length values are padded per VR.
func encodeElementTo(w io.Writer, a *Attribute, explicit bool) error {
	vr := a.VR
	if len(vr) != 2 {
		vr = DictVR(a.Tag)
	}
	value := a.Value
	if !a.Undefined && len(value)%2 == 1 {
		padded := make([]byte, len(value)+1)
		copy(padded, value)
		padded[len(value)] = padByte(vr)
		value = padded
	}
	length := uint32(len(value))
	if a.Undefined {
		length = undefinedLength
	}

	var hdr bytes.Buffer
	hdr.Write(le16(a.Tag.Group()))
	hdr.Write(le16(a.Tag.Element()))
	if explicit {
		hdr.WriteString(vr)
		if isLongVR(vr) {
			hdr.Write([]byte{0x00, 0x00})
			hdr.Write(le32(length))
		} else {
			if length > 0xFFFF {
				return fmt.Errorf("dicom: %s value of %d bytes exceeds short-form length", a.Tag, length)
			}
			hdr.Write(le16(uint16(length)))
		}
	} else {
		hdr.Write(le32(length))
	}
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

func writeTagLen(buf *bytes.Buffer, t Tag, length uint32) {
	buf.Write(le16(t.Group()))
	buf.Write(le16(t.Element()))
	buf.Write(le32(length))
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
