package http

// HTTP status codes
const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101

	StatusOK                    = 200
	StatusCreated               = 201
	StatusAccepted              = 202
	StatusNoContent             = 204
	StatusPartialContent        = 206
	StatusMovedPermanently      = 301
	StatusFound                 = 302
	StatusSeeOther              = 303
	StatusNotModified           = 304
	StatusTemporaryRedirect     = 307
	StatusPermanentRedirect     = 308
	StatusBadRequest            = 400
	StatusUnauthorized          = 401
	StatusForbidden             = 403
	StatusNotFound              = 404
	StatusMethodNotAllowed      = 405
	StatusRequestTimeout        = 408
	StatusConflict              = 409
	StatusGone                  = 410
	StatusLengthRequired        = 411
	StatusRequestEntityTooLarge = 413
	StatusURITooLong            = 414
	StatusUnsupportedMediaType  = 415
	StatusTooManyRequests       = 429

	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusBadGateway              = 502
	StatusServiceUnavailable      = 503
	StatusGatewayTimeout          = 504
	StatusHTTPVersionNotSupported = 505
)

var statusText = map[int]string{
	StatusContinue:           "Continue",
	StatusSwitchingProtocols: "Switching Protocols",

	StatusOK:                    "OK",
	StatusCreated:               "Created",
	StatusAccepted:              "Accepted",
	StatusNoContent:             "No Content",
	StatusPartialContent:        "Partial Content",
	StatusMovedPermanently:      "Moved Permanently",
	StatusFound:                 "Found",
	StatusSeeOther:              "See Other",
	StatusNotModified:           "Not Modified",
	StatusTemporaryRedirect:     "Temporary Redirect",
	StatusPermanentRedirect:     "Permanent Redirect",
	StatusBadRequest:            "Bad Request",
	StatusUnauthorized:          "Unauthorized",
	StatusForbidden:             "Forbidden",
	StatusNotFound:              "Not Found",
	StatusMethodNotAllowed:      "Method Not Allowed",
	StatusRequestTimeout:        "Request Timeout",
	StatusConflict:              "Conflict",
	StatusGone:                  "Gone",
	StatusLengthRequired:        "Length Required",
	StatusRequestEntityTooLarge: "Request Entity Too Large",
	StatusURITooLong:            "Request URI Too Long",
	StatusUnsupportedMediaType:  "Unsupported Media Type",
	StatusTooManyRequests:       "Too Many Requests",

	StatusInternalServerError:     "Internal Server Error",
	StatusNotImplemented:          "Not Implemented",
	StatusBadGateway:              "Bad Gateway",
	StatusServiceUnavailable:      "Service Unavailable",
	StatusGatewayTimeout:          "Gateway Timeout",
	StatusHTTPVersionNotSupported: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "Unknown".
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown"
}

// StatusCategory names the class of code.
func StatusCategory(code int) string {
	switch {
	case code < 200:
		return "Info"
	case code < 300:
		return "Success"
	case code < 400:
		return "Redirection"
	case code < 500:
		return "Client error"
	}
	return "Server error"
}

// StatusColor is the accent color of the error page for code.
func StatusColor(code int) string {
	switch {
	case code < 300:
		return "green"
	case code < 400:
		return "orange"
	case code < 500:
		return "royalblue"
	}
	return "red"
}

// bodyAllowed reports whether a response with code may carry a body.
func bodyAllowed(code int) bool {
	return code >= 200 && code != StatusNoContent && code != StatusNotModified
}
