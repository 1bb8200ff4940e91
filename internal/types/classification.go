package types

// Classification is the tamper detector's verdict on a stored lease record.
type Classification string

const (
	ClassificationActive     Classification = "ACTIVE"
	ClassificationExpired    Classification = "EXPIRED"
	ClassificationCorrupted  Classification = "CORRUPTED"
	ClassificationSuspicious Classification = "SUSPICIOUS"
)

// AccessReason is the backend's explanation for a validate-access verdict.
type AccessReason string

const (
	AccessReasonProcessingActive AccessReason = "processing_active"
	AccessReasonAllowed          AccessReason = "allowed"
	AccessReasonUnknown          AccessReason = "unknown"
)
