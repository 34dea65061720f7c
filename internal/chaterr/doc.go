// Package chaterr defines the error taxonomy of the chat core.
//
// Errors returned by the convkey, messages, presence and session packages wrap one
// of the sentinels below, so transports can classify them without string matching:
//
//	ErrInvalidArgument  malformed ids, empty or self conversation pair
//	ErrValidation       empty message text
//	ErrNotFound         unknown message id
//	ErrPermission       sender marking own message read
//	ErrIllegalState     session operation outside Bound
//	ErrTransient        timeout or backend failure, retryable
//
// Validation and permission errors are never retried automatically. Callers retry
// ErrTransient with backoff; see IsRetryable.
package chaterr
