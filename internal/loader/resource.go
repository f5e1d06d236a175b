package loader

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/sdkloader/internal/page"
)

const (
	// DefaultLocale is passed to the constructor when neither the caller nor
	// the resource names one.
	DefaultLocale = "es-CO"
	// DefaultTimeout bounds the wait for a script another code path started.
	DefaultTimeout = 10 * time.Second
	// DefaultPollInterval is how often the entry point is checked while
	// waiting for a foreign script.
	DefaultPollInterval = 100 * time.Millisecond

	// AttrResource marks a script element as belonging to a resource.
	AttrResource = "data-loader"
	// AttrOwner carries the id of the loader that injected the element.
	AttrOwner = "data-loader-owner"
)

// Resource identifies one loadable external script and the entry point it
// defines.
type Resource struct {
	// Name is the identity key.
	Name string `json:"name"`
	// Src is the URL injected when nothing else has loaded the script.
	Src string `json:"src"`
	// Match is a substring that identifies a script element for this
	// resource by its src. Defaults to Src.
	Match string `json:"match,omitempty"`
	// Global is the constructor name the script defines on the global object.
	Global        string        `json:"global"`
	DefaultLocale string        `json:"default_locale,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	PollInterval  time.Duration `json:"poll_interval,omitempty"`
}

// MercadoPago returns the MercadoPago JS SDK v2 resource.
func MercadoPago() Resource {
	return Resource{
		Name:          "mercadopago",
		Src:           "https://sdk.mercadopago.com/js/v2",
		Match:         "mercadopago.com/js/v2",
		Global:        "MercadoPago",
		DefaultLocale: DefaultLocale,
		Timeout:       DefaultTimeout,
		PollInterval:  DefaultPollInterval,
	}
}

// WithDefaults fills unset fields.
func (r Resource) WithDefaults() Resource {
	if r.Match == "" {
		r.Match = r.Src
	}
	if r.DefaultLocale == "" {
		r.DefaultLocale = DefaultLocale
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.PollInterval <= 0 {
		r.PollInterval = DefaultPollInterval
	}
	return r
}

// Validate checks the fields a loader cannot work without.
func (r Resource) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidResource)
	}
	if r.Global == "" {
		return fmt.Errorf("%w: %s: global is required", ErrInvalidResource, r.Name)
	}
	u, err := url.Parse(r.Src)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s: src %q is not an absolute URL", ErrInvalidResource, r.Name, r.Src)
	}
	if _, err := parseLocale(r.DefaultLocale); r.DefaultLocale != "" && err != nil {
		return fmt.Errorf("%w: %s: default locale: %v", ErrInvalidResource, r.Name, err)
	}
	if r.Timeout < 0 || r.PollInterval < 0 {
		return fmt.Errorf("%w: %s: negative duration", ErrInvalidResource, r.Name)
	}
	return nil
}

// Matches reports whether s is a script element for this resource, either
// tagged by a loader or recognised by its src.
func (r Resource) Matches(s *page.Script) bool {
	if s.Attr(AttrResource) == r.Name {
		return true
	}
	return r.Match != "" && strings.Contains(s.Src, r.Match)
}
