package audio

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/suPer8Hu/storyteller/internal/tts"
)

const (
	CodeStoryNotFound       = "story_not_found"
	CodeVoiceRequired       = "voice_required"
	CodeInsertFailed        = "audio_insert_failed"
	CodeMaxChars            = "max_chars"
	CodeConfigMissing       = "config_missing"
	CodeBadResponse         = "provider_bad_response"
	CodeTaskError           = "provider_task_error"
	CodeTimeout             = "provider_timeout"
	CodeUnreachable         = "provider_unreachable"
	CodeDownloadFailed      = "provider_audio_download"
	CodeEmptyAudio          = "empty_audio"
	CodeStorageUploadFailed = "storage_upload_failed"
	CodeURLFailed           = "audio_url_failed"
	CodeSaveFailed          = "audio_save_failed"
)

// Error is a failed generation attempt. HTTPStatus is a hint for handlers;
// Code is stable and meant for clients to branch on.
type Error struct {
	Message    string
	HTTPStatus int
	Code       string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// fromProvider folds task client failures into an audio error and the
// message recorded on the row.
func fromProvider(err error) (*Error, string) {
	var reqErr *tts.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Detail
		if msg == "" {
			msg = reqErr.Message
		}
		return &Error{Message: reqErr.Message, HTTPStatus: http.StatusBadGateway, Code: reqErr.Code, Detail: reqErr.Detail}, msg
	}
	if errors.Is(err, tts.ErrBadResponse) {
		return &Error{Message: "speech provider returned no task id", HTTPStatus: http.StatusBadGateway, Code: CodeBadResponse}, err.Error()
	}
	return &Error{Message: "speech provider unreachable", HTTPStatus: http.StatusBadGateway, Code: CodeUnreachable}, err.Error()
}
