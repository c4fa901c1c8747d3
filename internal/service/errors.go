// Package service provides business logic services for Nautilus.
package service

import "errors"

// Common service errors.
var (
	// Upload errors
	ErrMissingFilename = errors.New("missing filename")
	ErrEmptyFile       = errors.New("empty file")
	ErrFileTooLarge    = errors.New("uploaded file exceeds the project quota")
	ErrQuotaExceeded   = errors.New("uploading this file would exceed the project quota")
	ErrStagingFailed   = errors.New("unable to stage uploaded file")

	// Promotion errors
	ErrPromotionBusy = errors.New("promotion already running for this file")

	// Archive errors
	ErrInvalidIllustration     = errors.New("illustration is not a valid base64 image")
	ErrBuildRequestRejected    = errors.New("archive build request was rejected")
	ErrBuildServiceUnavailable = errors.New("archive build service unavailable")

	// Callback errors
	ErrInvalidCallbackToken = errors.New("invalid callback token")

	// General errors
	ErrBadRequest    = errors.New("bad request")
	ErrInternalError = errors.New("internal server error")
)
