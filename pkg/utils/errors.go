package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrClientHTTPError      = errors.New("client HTTP error (4xx)")    // Wraps original status
	ErrServerHTTPError      = errors.New("server HTTP error (5xx)")    // Wraps original status
	ErrOtherHTTPError       = errors.New("other HTTP error (non-200)") // Wraps original status
	ErrTransport            = errors.New("transport error")            // Timeout, DNS, TLS, connection reset
	ErrRobotsDisallowed     = errors.New("disallowed by robots.txt")
	ErrParsing              = errors.New("parsing error") // Wraps specific parsing error (HTML, URL, CSV, feed)
	ErrFilesystem           = errors.New("filesystem error")
	ErrStorage              = errors.New("storage error") // Fatal: the run must stop
	ErrRequestCreation      = errors.New("failed to create HTTP request")
	ErrResponseBodyRead     = errors.New("failed to read response body")
	ErrConfigValidation     = errors.New("configuration validation error")
	ErrUnchanged            = errors.New("resource unchanged since last check")
	ErrExtractorUnavailable = errors.New("pdf image extractor unavailable")
)

// IsFatal reports whether err must abort the whole run rather than a single URL.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorage)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrStorage):
		return "Storage"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"404", "403", "401", "410", "429"} {
			if strings.Contains(errMsg, " "+code+" ") || strings.HasSuffix(errMsg, " "+code) {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrUnchanged):
		return "Filter_Unchanged"
	case errors.Is(err, ErrExtractorUnavailable):
		return "PDF_ExtractorUnavailable"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Network_Timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_Timeout"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case errors.Is(err, ErrTransport):
		return "Network_Other"
	}

	return "Unknown"
}
