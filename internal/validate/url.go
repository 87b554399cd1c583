// Package validate rejects malformed request keys before they reach the
// store or the log.
package validate

import "regexp"

var youtubeURL = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com/watch\?v=|youtu\.be/)[a-zA-Z0-9_-]{11}`)

// MaxMessageLen caps inbound message size; anything longer is rejected
// before it touches the store or the log.
const MaxMessageLen = 1000

// WithinMessageLimit reports whether s is non-empty and within the cap.
func WithinMessageLimit(s string) bool {
	return s != "" && len(s) <= MaxMessageLen
}

// IsYoutubeURL reports whether s looks like a YouTube video URL.
func IsYoutubeURL(s string) bool {
	return youtubeURL.MatchString(s)
}
