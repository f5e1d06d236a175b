package loader

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// ConstructorArgs are passed to the resource's constructor:
// new Global(PublicKey, {locale, ...Options}).
type ConstructorArgs struct {
	PublicKey string                 `json:"public_key"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

// AcquireOptions tune a single Acquire call.
type AcquireOptions struct {
	// Locale overrides the resource's default locale for the constructed
	// handle. It has no effect once the handle exists.
	Locale string
	// Timeout overrides how long to wait for a foreign script.
	Timeout time.Duration
}

// Validate rejects malformed locales and negative timeouts.
func (o AcquireOptions) Validate() error {
	if o.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidOptions, o.Timeout)
	}
	if o.Locale != "" {
		if _, err := parseLocale(o.Locale); err != nil {
			return fmt.Errorf("%w: locale %q: %v", ErrInvalidOptions, o.Locale, err)
		}
	}
	return nil
}

func parseLocale(tag string) (language.Tag, error) {
	return language.Parse(tag)
}

// resolveLocale picks the locale a handle is built with: the explicit option,
// then a locale among the constructor options, then the resource default.
func resolveLocale(res Resource, args ConstructorArgs, opts AcquireOptions) string {
	if opts.Locale != "" {
		return opts.Locale
	}
	if v, ok := args.Options["locale"].(string); ok && v != "" {
		if _, err := parseLocale(v); err == nil {
			return v
		}
	}
	return res.DefaultLocale
}

// constructorOptions builds the second constructor argument. Caller keys are
// copied and the resolved locale is set last.
func constructorOptions(locale string, args ConstructorArgs) map[string]interface{} {
	out := make(map[string]interface{}, len(args.Options)+1)
	for k, v := range args.Options {
		out[k] = v
	}
	out["locale"] = locale
	return out
}
