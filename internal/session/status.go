package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/courtcast/relay/internal/domain"
)

// StatusFromICE maps a connectivity state to the camera status shown to UI
// layers. Disconnected already reads as error upstream, but the stream entry
// itself is only dropped at failed.
func StatusFromICE(s webrtc.ICEConnectionState) domain.CameraStatus {
	switch s {
	case webrtc.ICEConnectionStateNew, webrtc.ICEConnectionStateChecking:
		return domain.CameraConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.CameraLive
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		return domain.CameraError
	case webrtc.ICEConnectionStateClosed:
		return domain.CameraOffline
	}
	return domain.CameraOffline
}

// Fatal reports whether a connectivity state requires dropping the stream
// entry. Disconnected is transient and keeps the entry.
func Fatal(s webrtc.ICEConnectionState) bool {
	return s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed
}
