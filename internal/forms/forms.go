// Package forms implements the HTTP flows around the chat: choosing a
// character, uploading an avatar and loading a room's earlier messages.
package forms

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
)

const bodySnippetLimit = 512

// Navigator moves the user to another page.
type Navigator interface {
	Navigate(url string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(url string)

func (f NavigatorFunc) Navigate(url string) { f(url) }

// RedirectPolicy decides whether a failed submission still navigates.
type RedirectPolicy int

const (
	// RedirectOnSuccess navigates only after a 2xx response.
	RedirectOnSuccess RedirectPolicy = iota
	// RedirectAlways navigates whatever the outcome, reporting the error too.
	RedirectAlways
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Form       string
	URL        string
	StatusCode int
	Body       string // first bytes of the response body
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("forms: %s: %s returned %d", e.Form, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("forms: %s: %s returned %d: %s", e.Form, e.URL, e.StatusCode, e.Body)
}

// Option configures a form client.
type Option func(*options)

type options struct {
	client   *http.Client
	redirect RedirectPolicy
}

func defaultOptions() options {
	return options{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		redirect: RedirectOnSuccess,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithRedirect sets the redirect policy.
func WithRedirect(p RedirectPolicy) Option {
	return func(o *options) { o.redirect = p }
}

// do sends req and checks the status. On success the response is returned
// open; the caller closes the body.
func do(client *http.Client, form string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	metrics.FormLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FormRequestsTotal.WithLabelValues(form, "transport_error").Inc()
		return nil, fmt.Errorf("forms: %s: %w", form, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetLimit))
		metrics.FormRequestsTotal.WithLabelValues(form, "http_error").Inc()
		return nil, &StatusError{
			Form:       form,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}
	}

	metrics.FormRequestsTotal.WithLabelValues(form, "ok").Inc()
	return resp, nil
}

// finish applies the redirect policy after a submission.
func finish(nav Navigator, policy RedirectPolicy, target, form string, err error) error {
	if err != nil {
		log.Warn().Err(err).Msgf("[forms] %s failed", form)
		if policy != RedirectAlways {
			return err
		}
	}
	if nav != nil {
		nav.Navigate(target)
	}
	return err
}
