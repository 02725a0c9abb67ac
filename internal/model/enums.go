package model

// Case modes
type Mode string

const (
	ModeSandbox       Mode = "SANDBOX"
	ModeDemonstrative Mode = "DEMONSTRATIVE"
)

var ValidModes = []Mode{ModeSandbox, ModeDemonstrative}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSandbox || m == ModeDemonstrative
}

// Render profiles
type Profile string

const (
	ProfileNeutral   Profile = "NEUTRAL"
	ProfileCinematic Profile = "CINEMATIC"
)

var ValidProfiles = []Profile{ProfileNeutral, ProfileCinematic}

func (p Profile) Valid() bool {
	return p == ProfileNeutral || p == ProfileCinematic
}

// AllowedIn reports whether the profile may be used for a case in mode m.
// Cinematic output is only acceptable for sandbox cases.
func (p Profile) AllowedIn(m Mode) bool {
	if m == ModeDemonstrative {
		return p == ProfileNeutral
	}
	return p.Valid()
}

// Render quality levels
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityUltra    Quality = "ultra"
)

var ValidQualities = []Quality{QualityDraft, QualityStandard, QualityHigh, QualityUltra}

func (q Quality) Valid() bool {
	for _, v := range ValidQualities {
		if q == v {
			return true
		}
	}
	return false
}

// Output formats
const (
	OutputFormatMP4 = "mp4"
	OutputFormatMOV = "mov"
	OutputFormatPNG = "png"
)

var ValidOutputFormats = []string{OutputFormatMP4, OutputFormatMOV, OutputFormatPNG}

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

var AllJobStatuses = []JobStatus{
	JobStatusQueued, JobStatusProcessing, JobStatusCompleted,
	JobStatusFailed, JobStatusCancelled,
}

// Terminal reports whether no further automatic transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) Valid() bool {
	for _, v := range AllJobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Determinism check outcomes
type DeterminismCheck string

const (
	DeterminismUnchecked DeterminismCheck = ""
	DeterminismPass      DeterminismCheck = "PASS"
	DeterminismMismatch  DeterminismCheck = "MISMATCH"
	DeterminismBaseline  DeterminismCheck = "BASELINE"
)
