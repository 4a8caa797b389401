package dimse

// Storage SOP classes the SCP accepts. The list covers the common image,
// multi-frame, secondary-capture, structured-report, and presentation-state
// classes; a provider negotiates every entry.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",       // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",     // Digital X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1",   // Digital X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.1.2",     // Digital Mammography X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.2.1",   // Digital Mammography X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.2",       // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",     // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1",     // Ultrasound Multi-frame Image Storage
	"1.2.840.10008.5.1.4.1.1.4",       // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",     // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.2",     // MR Spectroscopy Storage
	"1.2.840.10008.5.1.4.1.1.6.1",     // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.7",       // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.7.1",     // Multi-frame Single Bit Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.2",     // Multi-frame Grayscale Byte Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.3",     // Multi-frame Grayscale Word Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.4",     // Multi-frame True Color Secondary Capture
	"1.2.840.10008.5.1.4.1.1.11.1",    // Grayscale Softcopy Presentation State Storage
	"1.2.840.10008.5.1.4.1.1.12.1",    // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2",    // X-Ray Radiofluoroscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.13.1.3",  // Breast Tomosynthesis Image Storage
	"1.2.840.10008.5.1.4.1.1.20",      // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.66",      // Raw Data Storage
	"1.2.840.10008.5.1.4.1.1.66.1",    // Spatial Registration Storage
	"1.2.840.10008.5.1.4.1.1.66.4",    // Segmentation Storage
	"1.2.840.10008.5.1.4.1.1.77.1.1",  // VL Endoscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.2",  // VL Microscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4",  // VL Photographic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.5.1", // Ophthalmic Photography 8 Bit Image Storage
	"1.2.840.10008.5.1.4.1.1.88.11",   // Basic Text SR Storage
	"1.2.840.10008.5.1.4.1.1.88.22",   // Enhanced SR Storage
	"1.2.840.10008.5.1.4.1.1.88.33",   // Comprehensive SR Storage
	"1.2.840.10008.5.1.4.1.1.104.1",   // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.128",     // PET Image Storage
	"1.2.840.10008.5.1.4.1.1.130",     // Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",   // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2",   // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.3",   // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.481.5",   // RT Plan Storage
}

// TransferSyntaxes the SCP accepts and the peer client offers. Objects are
// stored with the syntax they arrived in; the gateway never transcodes.
var TransferSyntaxes = []string{
	"1.2.840.10008.1.2",          // Implicit VR Little Endian
	"1.2.840.10008.1.2.1",        // Explicit VR Little Endian
	"1.2.840.10008.1.2.4.50",     // JPEG Baseline
	"1.2.840.10008.1.2.4.51",     // JPEG Extended
	"1.2.840.10008.1.2.4.57",     // JPEG Lossless Non-Hierarchical
	"1.2.840.10008.1.2.4.70",     // JPEG Lossless SV1
	"1.2.840.10008.1.2.4.80",     // JPEG-LS Lossless
	"1.2.840.10008.1.2.4.81",     // JPEG-LS Near-Lossless
	"1.2.840.10008.1.2.4.90",     // JPEG 2000 Lossless Only
	"1.2.840.10008.1.2.4.91",     // JPEG 2000
	"1.2.840.10008.1.2.4.100",    // MPEG2 Main Profile Main Level
	"1.2.840.10008.1.2.4.102",    // MPEG-4 AVC/H.264 High Profile
	"1.2.840.10008.1.2.4.103",    // MPEG-4 AVC/H.264 BD-compatible
	"1.2.840.10008.1.2.4.107",    // HEVC/H.265 Main Profile
	"1.2.840.10008.1.2.4.108",    // HEVC/H.265 Main 10 Profile
	"1.2.840.10008.1.2.5",        // RLE Lossless
}
