package audit

import "github.com/radgate/radgate/internal/dicom"

// phiTags is the fixed set of tags the differ treats as protected health
// information. Residual values in any of these raise a warning unless they
// match a documented anonymous shape.
var phiTags = map[dicom.Tag]string{
	dicom.TagPatientName:            "PatientName",
	dicom.TagPatientID:              "PatientID",
	dicom.TagPatientBirthDate:       "PatientBirthDate",
	dicom.TagPatientSex:             "PatientSex",
	dicom.TagPatientAge:             "PatientAge",
	dicom.TagPatientAddress:         "PatientAddress",
	dicom.TagAccessionNumber:        "AccessionNumber",
	dicom.TagInstitutionName:        "InstitutionName",
	dicom.TagReferringPhysicianName: "ReferringPhysicianName",
	dicom.TagOperatorsName:          "OperatorsName",
	dicom.TagStationName:            "StationName",
	dicom.TagStudyDate:              "StudyDate",
	dicom.TagSeriesDate:             "SeriesDate",
	dicom.TagAcquisitionDate:        "AcquisitionDate",
	dicom.TagContentDate:            "ContentDate",
}

// dateTags within the PHI set: a residual 8-digit value here is a warning
// even though dates alone are weaker identifiers.
var phiDateTags = map[dicom.Tag]bool{
	dicom.TagPatientBirthDate: true,
	dicom.TagStudyDate:        true,
	dicom.TagSeriesDate:       true,
	dicom.TagAcquisitionDate:  true,
	dicom.TagContentDate:      true,
}

// nameTags hold person names; residuals must match an anonymous pattern.
var phiNameTags = map[dicom.Tag]bool{
	dicom.TagPatientName:            true,
	dicom.TagReferringPhysicianName: true,
	dicom.TagOperatorsName:          true,
}

// IsPHI reports whether tag belongs to the fixed PHI set.
func IsPHI(tag dicom.Tag) bool {
	_, ok := phiTags[tag]
	return ok
}
