package tts

import (
	"errors"
	"fmt"
)

const maxDetail = 500

// ErrBadResponse means the provider answered 2xx without the fields we need.
var ErrBadResponse = errors.New("tts: provider returned an unexpected response")

// RequestError is a non-2xx answer from the task API.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("tts: %s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
}

// DownloadError means the finished audio could not be fetched.
type DownloadError struct {
	StatusCode int
	Detail     string
}

func (e *DownloadError) Error() string {
	if e.StatusCode == 0 {
		return "tts: audio download returned an empty body"
	}
	return fmt.Sprintf("tts: audio download failed with status %d", e.StatusCode)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
