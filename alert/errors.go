package alert

import "errors"

// ErrSentryInit indicates the Sentry client could not be created.
var ErrSentryInit = errors.New("alert: sentry init failed")
