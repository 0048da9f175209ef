package domain

import (
	"errors"
	"fmt"
	"strings"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type TrackState string

const (
	TrackStateLive  TrackState = "live"
	TrackStateEnded TrackState = "ended"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

func ConstraintsFor(t CallType) MediaConstraints {
	return MediaConstraints{Audio: true, Video: t == CallTypeVideo}
}

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")
)

type MediaErrorKind string

const (
	MediaErrorPermissionDenied MediaErrorKind = "permission-denied"
	MediaErrorDeviceNotFound   MediaErrorKind = "device-not-found"
	MediaErrorDeviceBusy       MediaErrorKind = "device-busy"
	MediaErrorUnknown          MediaErrorKind = "unknown"
)

// MediaError is returned when local media cannot be acquired. It is
// surfaced before any signaling for the call is sent.
type MediaError struct {
	Kind   MediaErrorKind
	Device string
	Err    error
}

func (e *MediaError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Device, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// UserMessage is suitable for showing to the person placing the call.
func (e *MediaError) UserMessage() string {
	switch e.Kind {
	case MediaErrorPermissionDenied:
		return "Access to your camera or microphone was denied. Allow access and try again."
	case MediaErrorDeviceNotFound:
		return "No camera or microphone was found. Connect a device and try again."
	case MediaErrorDeviceBusy:
		return "Your camera or microphone is in use by another application."
	default:
		return "Could not start your camera or microphone."
	}
}

// ClassifyMediaError maps an acquisition failure to a MediaError. Errors
// that are already classified are returned unchanged.
func ClassifyMediaError(err error) *MediaError {
	if err == nil {
		return nil
	}

	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr
	}

	kind := MediaErrorUnknown
	switch {
	case errors.Is(err, ErrPermissionDenied):
		kind = MediaErrorPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		kind = MediaErrorDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		kind = MediaErrorDeviceBusy
	default:
		// Capture backends that report DOMException names.
		msg := err.Error()
		switch {
		case strings.Contains(msg, "NotAllowedError"), strings.Contains(msg, "SecurityError"):
			kind = MediaErrorPermissionDenied
		case strings.Contains(msg, "NotFoundError"), strings.Contains(msg, "OverconstrainedError"):
			kind = MediaErrorDeviceNotFound
		case strings.Contains(msg, "NotReadableError"), strings.Contains(msg, "AbortError"):
			kind = MediaErrorDeviceBusy
		}
	}

	return &MediaError{Kind: kind, Err: err}
}
