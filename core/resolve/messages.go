package resolve

import (
	"errors"

	"github.com/filegram-io/filegram/core/expiry"
	"github.com/filegram-io/filegram/core/linkcodec"
	"github.com/filegram-io/filegram/core/media"
	"github.com/filegram-io/filegram/core/session"
	"github.com/filegram-io/filegram/core/store"
	"github.com/filegram-io/filegram/core/users"
)

// UserMessage maps any error from the content core to the line shown
// to the consumer. Unrecognized errors get a generic apology; nothing
// internal leaks.
func UserMessage(err error) string {
	var pe *media.ProcessingError
	var pte *media.ProcessingTimeoutError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, linkcodec.ErrMalformedToken):
		return "That link looks broken. Check you copied it completely."
	case errors.Is(err, linkcodec.ErrInvalidRange):
		return "That link covers an invalid range of files."
	case errors.Is(err, linkcodec.ErrUnknownReference):
		return "The file behind this link is no longer available."
	case errors.Is(err, store.ErrFetchFailed):
		return "The store is not responding right now. Try again in a minute."
	case errors.Is(err, users.ErrBanned):
		return "Your account is blocked from using this service."
	case errors.Is(err, expiry.ErrNotExpired):
		return "This delivery is still available above. No need to request it again."
	case errors.Is(err, expiry.ErrAlreadyPending):
		return "Your request is already waiting for an admin decision."
	case errors.Is(err, expiry.ErrRequestWindowClosed):
		return "The request window for this delivery has closed. Use the original link again."
	case errors.Is(err, session.ErrBusy):
		return "Another operation is still running on your file. Wait for it to finish."
	case errors.Is(err, session.ErrClosed):
		return "That working session has ended. Start a new one."
	case errors.Is(err, session.ErrNoLocalCopy):
		return "The file is not prepared yet. Start the session first."
	case errors.As(err, &pte):
		return "That operation took too long and was stopped. Try a shorter clip."
	case errors.As(err, &pe):
		return "Processing failed: " + string(pe.Operation) + " could not be completed. Try a different operation."
	default:
		return "Something went wrong. Please try again."
	}
}
