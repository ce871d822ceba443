package pipeline

import (
	"context"
	"errors"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/scanning"
	"github.com/zombor/receipt-capture/internal/upload"
)

// Message turns a pipeline error into text for the user.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrInvalidFileType):
		return "Please upload a valid image file."
	case errors.Is(err, capture.ErrNoImageFile):
		return "None of the dropped files is an image."
	case errors.Is(err, capture.ErrFileTooLarge):
		return "The image is larger than the maximum allowed size."
	case errors.Is(err, capture.ErrEmptyFile):
		return "The image file is empty."
	case errors.Is(err, capture.ErrDisabled):
		return "Receipt upload is currently disabled."
	case errors.Is(err, capture.ErrBusy):
		return "A receipt is already being processed."
	case errors.Is(err, upload.ErrUploadFailed):
		return "Upload failed. Please try again."
	case errors.Is(err, scanning.ErrEngineInit):
		return "The OCR engine could not start. Please enter the details manually."
	case errors.Is(err, scanning.ErrRecognition) && errors.Is(err, context.DeadlineExceeded):
		return "OCR took too long. Please enter the details manually."
	case errors.Is(err, scanning.ErrRecognition):
		return "OCR processing failed. Please try again or enter details manually."
	case errors.Is(err, review.ErrIncompleteDraft):
		return "Please fill in the merchant and amount."
	case errors.Is(err, review.ErrInvalidValue), errors.Is(err, review.ErrUnknownField):
		return err.Error()
	case errors.Is(err, review.ErrSessionClosed):
		return "This receipt has already been finished."
	case errors.Is(err, ErrInvalidTransition):
		return "That action is not available right now."
	case errors.Is(err, ErrCommitFailed):
		return "The expense could not be saved. Please try again."
	}
	return "Something went wrong. Please try again."
}
