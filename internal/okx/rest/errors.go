package rest

import (
	"context"
	"errors"
	"fmt"
)

var ErrUpstreamNonJSON = errors.New("upstream returned non-JSON response")

// ExchangeError is a response whose envelope code is not "0". SubCode and
// SubMsg carry the per-order sCode/sMsg of the first data element when the
// exchange provides them; rollback logic inspects those.
type ExchangeError struct {
	Path    string
	Status  int
	Code    string
	Msg     string
	SubCode string
	SubMsg  string
}

func (e *ExchangeError) Error() string {
	if e.SubCode != "" {
		return fmt.Sprintf("okx %s: code=%s msg=%q sCode=%s sMsg=%q", e.Path, e.Code, e.Msg, e.SubCode, e.SubMsg)
	}
	return fmt.Sprintf("okx %s: code=%s msg=%q", e.Path, e.Code, e.Msg)
}

// UpstreamNonJSONError is returned when something between us and the
// exchange answered with a body that is not JSON (HTML error pages, proxy
// banners). The body is kept as a short snippet and never decoded.
type UpstreamNonJSONError struct {
	Path        string
	Status      int
	ContentType string
	Snippet     string
}

func (e *UpstreamNonJSONError) Error() string {
	return fmt.Sprintf("okx %s: http %d non-JSON response (%s): %s", e.Path, e.Status, e.ContentType, e.Snippet)
}

func (e *UpstreamNonJSONError) Unwrap() error { return ErrUpstreamNonJSON }

type HTTPError struct {
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("okx %s: http %d: %s", e.Path, e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying: transport failures and
// upstream/HTTP errors are, explicit exchange rejections are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Code == "50001" || exErr.Code == "50011" || exErr.Code == "50013"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 429
	}
	return true
}

// HasSubCode reports whether err is an ExchangeError carrying one of codes
// as its per-order sub-code.
func HasSubCode(err error, codes ...string) bool {
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		return false
	}
	for _, c := range codes {
		if exErr.SubCode == c {
			return true
		}
	}
	return false
}
