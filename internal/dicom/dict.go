package dicom

type dictEntry struct {
	vr      string
	keyword string
}

// dict covers the tags the gateway touches: identity and study attributes
// for routing and de-identification, plus the file meta group. Tags outside
// the table read as VR UN under implicit VR encoding, which is enough for
// byte-preserving passthrough.
var dict = map[Tag]dictEntry{
	TagFileMetaVersion:            {"OB", "FileMetaInformationVersion"},
	TagMediaStorageSOPClassUID:    {"UI", "MediaStorageSOPClassUID"},
	TagMediaStorageSOPInstanceUID: {"UI", "MediaStorageSOPInstanceUID"},
	TagTransferSyntaxUID:          {"UI", "TransferSyntaxUID"},
	TagImplementationClassUID:     {"UI", "ImplementationClassUID"},
	TagImplementationVersionName:  {"SH", "ImplementationVersionName"},

	TagSpecificCharacterSet:   {"CS", "SpecificCharacterSet"},
	TagImageType:              {"CS", "ImageType"},
	TagSOPClassUID:            {"UI", "SOPClassUID"},
	TagSOPInstanceUID:         {"UI", "SOPInstanceUID"},
	TagStudyDate:              {"DA", "StudyDate"},
	TagSeriesDate:             {"DA", "SeriesDate"},
	TagAcquisitionDate:        {"DA", "AcquisitionDate"},
	TagContentDate:            {"DA", "ContentDate"},
	TagStudyTime:              {"TM", "StudyTime"},
	TagSeriesTime:             {"TM", "SeriesTime"},
	TagAccessionNumber:        {"SH", "AccessionNumber"},
	TagModality:               {"CS", "Modality"},
	TagManufacturer:           {"LO", "Manufacturer"},
	TagInstitutionName:        {"LO", "InstitutionName"},
	TagReferringPhysicianName: {"PN", "ReferringPhysicianName"},
	TagStationName:            {"SH", "StationName"},
	TagStudyDescription:       {"LO", "StudyDescription"},
	TagSeriesDescription:      {"LO", "SeriesDescription"},
	TagOperatorsName:          {"PN", "OperatorsName"},
	TagPatientName:            {"PN", "PatientName"},
	TagPatientID:              {"LO", "PatientID"},
	TagPatientBirthDate:       {"DA", "PatientBirthDate"},
	TagPatientSex:             {"CS", "PatientSex"},
	TagPatientAge:             {"AS", "PatientAge"},
	TagPatientWeight:          {"DS", "PatientWeight"},
	TagPatientAddress:         {"LO", "PatientAddress"},
	TagPatientIdentityRemoved: {"CS", "PatientIdentityRemoved"},
	TagDeidentificationMethod: {"LO", "DeidentificationMethod"},
	TagBodyPartExamined:       {"CS", "BodyPartExamined"},
	TagProtocolName:           {"LO", "ProtocolName"},
	TagStudyInstanceUID:       {"UI", "StudyInstanceUID"},
	TagSeriesInstanceUID:      {"UI", "SeriesInstanceUID"},
	TagStudyID:                {"SH", "StudyID"},
	TagSeriesNumber:           {"IS", "SeriesNumber"},
	TagInstanceNumber:         {"IS", "InstanceNumber"},
	TagFrameOfReferenceUID:    {"UI", "FrameOfReferenceUID"},
	TagPixelData:              {"OW", "PixelData"},
}

var keywordIndex = buildKeywordIndex()

func buildKeywordIndex() map[string]Tag {
	m := make(map[string]Tag, len(dict))
	for tag, e := range dict {
		m[e.keyword] = tag
	}
	return m
}

// DictVR returns the dictionary VR for a tag, or "UN" when unknown.
func DictVR(t Tag) string {
	if e, ok := dict[t]; ok {
		return e.vr
	}
	return "UN"
}

// Keyword returns the dictionary keyword for a tag, or "" when unknown.
func Keyword(t Tag) string {
	if e, ok := dict[t]; ok {
		return e.keyword
	}
	return ""
}

// KeywordTag resolves a dictionary keyword such as "PatientID" to its tag.
func KeywordTag(keyword string) (Tag, bool) {
	t, ok := keywordIndex[keyword]
	return t, ok
}
