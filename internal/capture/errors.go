package capture

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrorCategory represents the classification of stream errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates network-related failures (connection, timeout, DNS)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates codec/stream failures (decode errors, format issues)
	ErrCategoryCodec
	// ErrCategoryAuth indicates authentication/authorization failures
	ErrCategoryAuth
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether a reconnect may help.
// Codec errors mean the stream format itself is unusable.
func (e ErrorCategory) Retryable() bool {
	return e != ErrCategoryCodec
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "not-negotiated",
		"no decoder", "missing plugin", "missing a plug-in", "not a video",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect",
		"failed to connect",
	}
)

// debugLocation matches the "file.c(123): function (): " prefix and the
// "/GstPipeline:pipeline0/GstURIDecodeBin:uridecodebin0/..." element path of
// GStreamer debug strings. Element names such as uridecodebin or capsfilter
// would otherwise match codec keywords.
var debugLocation = regexp.MustCompile(`\S+\.c\(\d+\):\s*\S+\s*\(\):|/Gst\S*`)

// Classify categorizes a pipeline error from its message and debug string.
//
// Priority: auth, then codec, then network. Matching is keyword based since
// GStreamer error domains are not exposed by the bindings. Only the human
// readable text is matched; source locations and element paths are dropped.
func Classify(message, debug string) ErrorCategory {
	detail := debugLocation.ReplaceAllString(debug, " ")
	combined := strings.ToLower(message + " " + detail)

	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// ErrorCounters counts classified errors. Safe for concurrent use.
type ErrorCounters struct {
	network atomic.Uint64
	codec   atomic.Uint64
	auth    atomic.Uint64
	unknown atomic.Uint64
}

// ErrorStats is a snapshot of ErrorCounters.
type ErrorStats struct {
	Network uint64 `json:"network"`
	Codec   uint64 `json:"codec"`
	Auth    uint64 `json:"auth"`
	Unknown uint64 `json:"unknown"`
}

// Record increments the counter for category.
func (c *ErrorCounters) Record(category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		c.network.Add(1)
	case ErrCategoryCodec:
		c.codec.Add(1)
	case ErrCategoryAuth:
		c.auth.Add(1)
	default:
		c.unknown.Add(1)
	}
}

// Snapshot returns the current counts.
func (c *ErrorCounters) Snapshot() ErrorStats {
	return ErrorStats{
		Network: c.network.Load(),
		Codec:   c.codec.Load(),
		Auth:    c.auth.Load(),
		Unknown: c.unknown.Load(),
	}
}
