package dicom

import (
	"fmt"
	"strings"
)

// Tag identifies a data element as (group << 16) | element.
type Tag uint32

// MakeTag builds a Tag from a group and element pair.
func MakeTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// Group returns the group number of the tag.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the element number of the tag.
func (t Tag) Element() uint16 { return uint16(t & 0xFFFF) }

// String renders the tag in the conventional (gggg,eeee) form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// ParseTag parses a "gggg,eeee" hex pair. Surrounding parentheses and
// whitespace are tolerated so config files may write either form.
func ParseTag(s string) (Tag, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "(")
	trimmed = strings.TrimSuffix(trimmed, ")")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return 0, fmt.Errorf("dicom: invalid tag %q (want gggg,eeee)", s)
	}
	var group, element uint16
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%04x", &group); err != nil {
		return 0, fmt.Errorf("dicom: invalid tag group in %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%04x", &element); err != nil {
		return 0, fmt.Errorf("dicom: invalid tag element in %q: %w", s, err)
	}
	return MakeTag(group, element), nil
}

// File meta group tags (PS3.10). The file meta group is always written
// with explicit VR little endian regardless of the dataset syntax.
const (
	TagFileMetaGroupLength        Tag = 0x00020000
	TagFileMetaVersion            Tag = 0x00020001
	TagMediaStorageSOPClassUID    Tag = 0x00020002
	TagMediaStorageSOPInstanceUID Tag = 0x00020003
	TagTransferSyntaxUID          Tag = 0x00020010
	TagImplementationClassUID     Tag = 0x00020012
	TagImplementationVersionName  Tag = 0x00020013
)

// Dataset tags the gateway reads or rewrites.
const (
	TagSpecificCharacterSet   Tag = 0x00080005
	TagImageType              Tag = 0x00080008
	TagSOPClassUID            Tag = 0x00080016
	TagSOPInstanceUID         Tag = 0x00080018
	TagStudyDate              Tag = 0x00080020
	TagSeriesDate             Tag = 0x00080021
	TagAcquisitionDate        Tag = 0x00080022
	TagContentDate            Tag = 0x00080023
	TagStudyTime              Tag = 0x00080030
	TagSeriesTime             Tag = 0x00080031
	TagAccessionNumber        Tag = 0x00080050
	TagModality               Tag = 0x00080060
	TagManufacturer           Tag = 0x00080070
	TagInstitutionName        Tag = 0x00080080
	TagReferringPhysicianName Tag = 0x00080090
	TagStationName            Tag = 0x00081010
	TagStudyDescription       Tag = 0x00081030
	TagSeriesDescription      Tag = 0x0008103E
	TagOperatorsName          Tag = 0x00081070
	TagPatientName            Tag = 0x00100010
	TagPatientID              Tag = 0x00100020
	TagPatientBirthDate       Tag = 0x00100030
	TagPatientSex             Tag = 0x00100040
	TagPatientAge             Tag = 0x00101010
	TagPatientWeight          Tag = 0x00101030
	TagPatientAddress         Tag = 0x00101040
	TagPatientIdentityRemoved Tag = 0x00120062
	TagDeidentificationMethod Tag = 0x00120063
	TagBodyPartExamined       Tag = 0x00180015
	TagProtocolName           Tag = 0x00181030
	TagStudyInstanceUID       Tag = 0x0020000D
	TagSeriesInstanceUID      Tag = 0x0020000E
	TagStudyID                Tag = 0x00200010
	TagSeriesNumber           Tag = 0x00200011
	TagInstanceNumber         Tag = 0x00200013
	TagFrameOfReferenceUID    Tag = 0x00200052
	TagPixelData              Tag = 0x7FE00010
)

// Sequence item framing tags (PS3.5 section 7.5).
const (
	TagItem          Tag = 0xFFFEE000
	TagItemDelim     Tag = 0xFFFEE00D
	TagSequenceDelim Tag = 0xFFFEE0DD
)
