package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Spatial-NVR/WagonWatch/internal/config"
)

var cameraIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationError names an invalid field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem of one request
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether anything was invalid
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateCamera checks a camera submitted through the API. It is stricter
// than the config file check: urls must be absolute http(s) or rtsp urls.
func ValidateCamera(cam config.CameraConfig) ValidationErrors {
	errs := ValidationErrors{}

	if err := ValidateCameraID(cam.ID); err != nil {
		errs.add("camera_id", "%s", err.Error())
	}
	validateURL(&errs, cam.URL)

	if len(cam.Name) > 100 {
		errs.add("name", "name must be at most 100 characters")
	}

	switch cam.Mode {
	case "", config.ModeStream, config.ModePolling, config.ModeAuto:
	default:
		errs.add("mode", "mode must be one of stream, polling, auto")
	}
	if cam.Mode == config.ModeAuto {
		if u, err := url.Parse(cam.URL); err == nil && u.Scheme == "rtsp" {
			errs.add("url", "auto mode needs an http base url")
		}
	}

	if cam.BufferSize < 0 || cam.BufferSize > 1000 {
		errs.add("buffer_size", "buffer_size must be between 0 and 1000")
	}
	if cam.TimeoutSeconds < 0 || cam.TimeoutSeconds > 300 {
		errs.add("timeout_seconds", "timeout_seconds must be between 0 and 300")
	}
	if cam.ReconnectAttempts < 0 || cam.ReconnectAttempts > 100 {
		errs.add("reconnect_attempts", "reconnect_attempts must be between 0 and 100")
	}
	if cam.PollIntervalMS < 0 {
		errs.add("poll_interval_ms", "poll_interval_ms must not be negative")
	}

	return errs
}

func validateURL(errs *ValidationErrors, raw string) {
	if raw == "" {
		errs.add("url", "url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		errs.add("url", "invalid URL format")
		return
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "rtsp", "rtsps":
	default:
		errs.add("url", "unsupported protocol %q; supported: http, https, rtsp, rtsps", u.Scheme)
	}
	if u.Host == "" {
		errs.add("url", "url must include a host")
	}
}

// ValidateCameraID checks the id format used in URLs and bus subjects
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera ID is required")
	}
	if len(id) > 50 {
		return fmt.Errorf("camera ID must be at most 50 characters")
	}
	if !cameraIDPattern.MatchString(id) {
		return fmt.Errorf("camera ID must contain only letters, numbers, underscores, and hyphens")
	}
	return nil
}

// SanitizeStreamURL removes credentials from a URL for logging
func SanitizeStreamURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[invalid-url]"
	}
	u.User = nil
	return u.String()
}
