package domain

// CameraStatus is the compositor's view of one source's health.
type CameraStatus string

const (
	CameraOffline    CameraStatus = "offline"
	CameraConnecting CameraStatus = "connecting"
	CameraLive       CameraStatus = "live"
	CameraError      CameraStatus = "error"
)

// CaptureKind selects what a source captures.
type CaptureKind string

const (
	CaptureCamera CaptureKind = "camera"
	CaptureScreen CaptureKind = "screen"
)

// Quality is a coarse capture quality hint, passed through to devices.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// CameraInfo is the compositor-owned record for one slot, read by UI layers.
type CameraInfo struct {
	Slot    Slot         `json:"slot"`
	Label   string       `json:"label"`
	Status  CameraStatus `json:"status"`
	Quality Quality      `json:"quality,omitempty"`
}
