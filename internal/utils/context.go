// Package utils provides shared utility functions and constants
package utils

// ContextKeyCredentials is the key used to store the decoded unlock
// credentials in the echo context.
const ContextKeyCredentials = "credentials"

// CookieName is the name of the encrypted unlock cookie.
const CookieName = "DriveIndexUnlock"

// CSRFCookieName holds the CSRF token for unsafe requests.
const CSRFCookieName = "csrf"

// CSRFHeader carries the CSRF token on unsafe requests.
const CSRFHeader = "X-CSRF-Token"
